package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/availability"
	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/matcher"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrBusy = errors.New("campground is already being polled")

func NewScheduler(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	reg *registry.Registry,
	lifecycle *scans.Lifecycle,
	cache *availability.Cache,
	engine *matcher.Engine,
	disp *dispatcher.Dispatcher,
) *Scheduler {
	s := newScheduler(cfg.Scheduler, log, reg, lifecycle, cache, engine, disp)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The start context expires once fx has started, so the loop gets its own.
			s.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop scheduler")
			s.Stop()
			return nil
		},
	})

	return s
}

func newScheduler(
	cfg config.Scheduler,
	log *zap.Logger,
	reg *registry.Registry,
	lifecycle *scans.Lifecycle,
	cache *availability.Cache,
	engine *matcher.Engine,
	disp *dispatcher.Dispatcher,
) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	s := &Scheduler{
		log:        log,
		registry:   reg,
		lifecycle:  lifecycle,
		cache:      cache,
		matcher:    engine,
		dispatcher: disp,

		owner:       uuid.NewString(),
		concurrency: concurrency,
		slots:       make(chan struct{}, concurrency),
		now:         func() time.Time { return time.Now().UTC() },

		pollTimeout: cfg.PollTimeout(),
		retention:   time.Duration(cfg.AvailabilityRetentionDays) * 24 * time.Hour,
	}
	wakeup := cfg.WakeupInterval()
	if wakeup <= 0 {
		wakeup = 30 * time.Second
	}
	s.alarmClock = newAlarmClock(wakeup, func() time.Time { return s.now() })
	return s
}

// Scheduler runs the polling loop: one pass per alarm, each pass claiming due
// jobs up to the number of free worker slots.
type Scheduler struct {
	log        *zap.Logger
	registry   *registry.Registry
	lifecycle  *scans.Lifecycle
	cache      *availability.Cache
	matcher    *matcher.Engine
	dispatcher *dispatcher.Dispatcher

	owner       string
	concurrency int
	slots       chan struct{} // worker pool semaphore
	inflight    sync.WaitGroup
	alarmClock  *alarmClock
	loopDone    chan struct{}
	cancel      func()
	now         func() time.Time

	pollTimeout time.Duration // per-poll deadline, covering fetch, match and dispatch
	retention   time.Duration // availability for nights older than this is purged
}

func (s *Scheduler) Owner() string { return s.owner }

func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})

	c := s.alarmClock.Start(ctx)
	go func() {
		defer close(s.loopDone)
		for evt := range c {
			s.handleEvent(ctx, evt)
		}
	}()
	s.log.Sugar().Infow("Scheduler started", "owner", s.owner, "concurrency", s.concurrency)
}

// Stop ends the loop after the current pass and waits for in-flight polls.
func (s *Scheduler) Stop() {
	s.alarmClock.Stop()
	if s.loopDone != nil {
		<-s.loopDone
	}
	s.inflight.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Sugar().Info("Scheduler stopped")
}

// Wake asks for an immediate pass.
func (s *Scheduler) Wake(campgroundID string) {
	s.alarmClock.Wake(campgroundID)
}

func (s *Scheduler) handleEvent(ctx context.Context, evt Event) {
	switch e := evt.(type) {
	case forcedWakeupEvent:
		s.log.Sugar().Infow("Forced wakeup", "campground_id", e.CampgroundID)
		s.runPass(ctx, e.Timestamp())
	case pollWakeupEvent:
		s.runPass(ctx, e.Timestamp())
	case slotFreedEvent:
		s.pollDue(ctx, e.Timestamp())
	}
}

// PollNow polls one campground synchronously, outside the schedule.
func (s *Scheduler) PollNow(ctx context.Context, campgroundID string) (*PollReport, error) {
	now := s.now()
	if err := s.registry.ForcePoll(ctx, campgroundID, now); err != nil {
		return nil, err
	}
	won, err := s.registry.Claim(ctx, campgroundID, s.owner, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrBusy
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.release(ctx, campgroundID)
		return nil, ctx.Err()
	}
	defer s.alarmClock.SlotFreed()
	defer func() { <-s.slots }()

	s.inflight.Add(1)
	defer s.inflight.Done()
	return s.poll(ctx, campgroundID, now), nil
}
