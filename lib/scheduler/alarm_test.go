package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmClock(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	a := newAlarmClock(time.Hour, func() time.Time { return fixed })
	c := a.Start(context.Background())

	next := func() Event {
		select {
		case evt := <-c:
			return evt
		case <-time.After(time.Second):
			t.Fatal("no event")
			return nil
		}
	}

	first := next()
	require.IsType(t, pollWakeupEvent{}, first)
	assert.True(t, first.Timestamp().Equal(fixed))

	a.Wake("232447")
	forced := next()
	require.IsType(t, forcedWakeupEvent{}, forced)
	assert.Equal(t, "232447", forced.(forcedWakeupEvent).CampgroundID)

	a.SlotFreed()
	freed := next()
	require.IsType(t, slotFreedEvent{}, freed)
	assert.True(t, freed.Timestamp().Equal(fixed))

	a.Stop()
	_, open := <-c
	assert.False(t, open)
}

func TestAlarmClock_RequestsNeverBlock(t *testing.T) {
	a := newAlarmClock(time.Hour, time.Now)
	for i := 0; i < 100; i++ {
		a.Wake("c")
		a.SlotFreed()
	}
	a.Stop()
}
