package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fiffu/campwatch/lib/availability"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
)

// PollReport is what one poll did.
type PollReport struct {
	CampgroundID string
	Outcome      registry.OutcomeKind
	Dates        int
	Increased    int
	Matched      int
	Notified     int
	Err          error
}

func (s *Scheduler) runPass(ctx context.Context, passStartTime time.Time) {
	s.housekeeping(ctx, passStartTime)
	s.pollDue(ctx, passStartTime)
}

// pollDue claims as many due jobs as there are free slots and starts them
// without waiting. Each finished poll frees its slot and asks the alarm for
// another selection, so jobs left over wait for a slot rather than a tick.
func (s *Scheduler) pollDue(ctx context.Context, passStartTime time.Time) {
	metrics := &passMetrics{}

	free := s.concurrency - len(s.slots)
	if free <= 0 {
		return
	}
	jobs, err := s.registry.Due(ctx, passStartTime, free)
	if err != nil {
		s.log.Sugar().Errorw("Failed to select due jobs", "err", err)
		return
	}

	var batch sync.WaitGroup
	for _, job := range jobs {
		won, err := s.registry.Claim(ctx, job.CampgroundID, s.owner, passStartTime)
		if err != nil {
			s.log.Sugar().Errorw("Failed to claim job", "campground_id", job.CampgroundID, "err", err)
			continue
		}
		if !won {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			// Taken since Due ran; leave it for the next selection.
			s.release(ctx, job.CampgroundID)
			continue
		}

		metrics.totalSelected += 1
		batch.Add(1)
		s.inflight.Add(1)
		go func(campgroundID string) {
			defer s.inflight.Done()
			defer batch.Done()
			defer s.alarmClock.SlotFreed()
			defer func() { <-s.slots }()

			metrics.Add(s.poll(ctx, campgroundID, passStartTime))
		}(job.CampgroundID)
	}

	if metrics.totalSelected == 0 {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		batch.Wait()

		s.log.Sugar().Infow(
			fmt.Sprintf("Processed %d campgrounds", metrics.totalSelected),
			metrics.logArgs()...,
		)
		elapsed := s.now().Sub(passStartTime)
		s.log.Sugar().Debugw("Scheduler batch completed", "elapsed_msecs", int(elapsed.Milliseconds()))
	}()
}

// poll refreshes one campground's availability, reschedules it, then matches
// and dispatches. Matching runs after every successful refresh, so a scan
// missed by a failed match or dispatch is picked up by the next poll. The
// claim is always released, even on panic.
func (s *Scheduler) poll(ctx context.Context, campgroundID string, now time.Time) (report *PollReport) {
	report = &PollReport{CampgroundID: campgroundID}
	completed := false

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("poll panicked: %v", r)
			report.Outcome = registry.OutcomeTransient
			s.log.Sugar().Errorw("Poll panicked", "campground_id", campgroundID, "panic", r)
		}
		if !completed {
			s.complete(ctx, campgroundID, registry.Outcome{Kind: registry.OutcomeTransient, Err: report.Err}, now)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	active, err := s.lifecycle.ActiveFor(ctx, campgroundID)
	if err != nil {
		report.Err = err
		return report
	}

	spans := availability.Window(active, now)
	change, fetchErr := s.cache.Refresh(ctx, campgroundID, spans, now)

	outcome := registry.OutcomeFromError(fetchErr)
	report.Outcome = outcome.Kind
	s.complete(ctx, campgroundID, outcome, now)
	completed = true

	if fetchErr != nil {
		report.Err = fetchErr
		s.log.Sugar().Warnw("Failed to fetch availability",
			"campground_id", campgroundID,
			"kind", availability.KindOf(fetchErr),
			"err", fetchErr,
		)
		return report
	}
	report.Dates = len(change.Dates)
	report.Increased = len(change.Increased)

	matches, err := s.matcher.Match(ctx, campgroundID, now)
	if err != nil {
		s.log.Sugar().Errorw("Failed to match scans", "campground_id", campgroundID, "err", err)
		return report
	}
	for _, m := range matches {
		res, err := s.dispatcher.Dispatch(ctx, m)
		if err != nil {
			s.log.Sugar().Errorw("Failed to dispatch notification", "scan_id", m.Scan.ID, "err", err)
		}
		if res != nil && res.Claimed {
			report.Matched += 1
			if res.Sent() > 0 {
				report.Notified += 1
			}
		}
	}
	return report
}

// complete records the outcome, falling back to a bare release so the job never stays claimed.
func (s *Scheduler) complete(ctx context.Context, campgroundID string, outcome registry.Outcome, now time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := s.registry.Complete(ctx, campgroundID, s.owner, outcome, now)
	switch {
	case errors.Is(err, registry.ErrClaimLost):
		s.log.Sugar().Warnw("Claim was taken over before the poll completed", "campground_id", campgroundID)
	case err != nil:
		s.log.Sugar().Errorw("Failed to complete poll, releasing", "campground_id", campgroundID, "err", err)
		s.release(ctx, campgroundID)
	}
}

func (s *Scheduler) release(ctx context.Context, campgroundID string) {
	if err := s.registry.Release(context.WithoutCancel(ctx), campgroundID, s.owner); err != nil {
		s.log.Sugar().Errorw("Failed to release job", "campground_id", campgroundID, "err", err)
	}
}

func (s *Scheduler) housekeeping(ctx context.Context, passStartTime time.Time) {
	if _, err := s.lifecycle.Expire(ctx, passStartTime); err != nil {
		s.log.Sugar().Errorw("Failed to expire scans", "err", err)
	}

	cutoff := models.Day(passStartTime).Add(-s.retention)
	purged, err := s.cache.Purge(ctx, cutoff)
	if err != nil {
		s.log.Sugar().Errorf("Failed to purge old availability: %+v", err)
	}
	if purged > 0 {
		s.log.Sugar().Infof("Purged %d old availability rows", purged)
	}
}
