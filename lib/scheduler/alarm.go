package scheduler

import (
	"context"
	"time"
)

type Event interface {
	Timestamp() time.Time
}

type event struct{ timestamp time.Time }

func (e event) Timestamp() time.Time { return e.timestamp }

type pollWakeupEvent struct {
	event
}

// forcedWakeupEvent is an out-of-schedule pass, e.g. after an operator forces a campground.
type forcedWakeupEvent struct {
	event
	CampgroundID string
}

// slotFreedEvent asks for another selection after a poll finished.
type slotFreedEvent struct {
	event
}

type alarmClock struct {
	cancel      func()
	done        chan struct{}
	wakeupTimer *time.Ticker
	forceC      chan forcedWakeupEvent
	freeC       chan struct{}
	C           chan Event
	now         func() time.Time
}

func newAlarmClock(wakeupInterval time.Duration, now func() time.Time) *alarmClock {
	return &alarmClock{
		done:        make(chan struct{}),
		wakeupTimer: time.NewTicker(wakeupInterval),
		forceC:      make(chan forcedWakeupEvent, 16),
		freeC:       make(chan struct{}, 1),
		C:           make(chan Event),
		now:         now,
	}
}

// Start emits a wakeup immediately, then on every tick and every Wake call.
// C is closed once the clock stops.
func (a *alarmClock) Start(ctx context.Context) <-chan Event {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		defer close(a.done)
		defer close(a.C)

		var next Event = pollWakeupEvent{event{a.now()}}
		for {
			select {
			case a.C <- next:
			case <-ctx.Done():
				return
			}

			select {
			case <-a.wakeupTimer.C:
				next = pollWakeupEvent{event{a.now()}}
			case forced := <-a.forceC:
				next = forced
			case <-a.freeC:
				next = slotFreedEvent{event{a.now()}}
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.C
}

// Wake requests an extra pass. It never blocks; extra requests beyond the buffer are dropped.
func (a *alarmClock) Wake(campgroundID string) {
	select {
	case a.forceC <- forcedWakeupEvent{event{a.now()}, campgroundID}:
	default:
	}
}

// SlotFreed requests a selection-only pass. Requests made before the last one
// was delivered collapse into one.
func (a *alarmClock) SlotFreed() {
	select {
	case a.freeC <- struct{}{}:
	default:
	}
}

func (a *alarmClock) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.wakeupTimer.Stop()
}
