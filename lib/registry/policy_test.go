package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/fiffu/campwatch/lib/availability"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCadence(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name     string
		priority int
		demand   int
		want     time.Duration
	}{
		{"single scan", 1, 1, 15 * time.Minute},
		{"two scans", 1, 2, 8 * time.Minute},
		{"four scans", 1, 4, 5 * time.Minute},
		{"many scans hit the floor", 1, 64, 5 * time.Minute},
		{"zero demand treated as one", 1, 0, 15 * time.Minute},
		{"zero priority treated as one", 0, 1, 15 * time.Minute},
		{"high priority", 3, 1, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Cadence(tt.priority, tt.demand))
		})
	}

	slow := Policy{Base: 120 * time.Minute, Min: 5 * time.Minute, Max: 60 * time.Minute}
	assert.Equal(t, 60*time.Minute, slow.Cadence(1, 1), "clamped to max")
}

func TestCadenceProperties(t *testing.T) {
	p := DefaultPolicy()
	properties := gopter.NewProperties(nil)

	properties.Property("cadence stays within bounds", prop.ForAll(
		func(priority, demand int) bool {
			d := p.Cadence(priority, demand)
			return d >= p.Min && d <= p.Max
		},
		gen.IntRange(-5, 20),
		gen.IntRange(-5, 10000),
	))

	properties.Property("more demand never slows polling", prop.ForAll(
		func(priority, demand int) bool {
			return p.Cadence(priority, demand+1) <= p.Cadence(priority, demand)
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	cadence := 15 * time.Minute

	tests := []struct {
		name   string
		errors int
		kind   OutcomeKind
		want   time.Duration
	}{
		{"success", 0, OutcomeSuccess, 15 * time.Minute},
		{"first failure", 1, OutcomeTransient, 15 * time.Minute},
		{"second failure", 2, OutcomeTransient, 30 * time.Minute},
		{"third failure", 3, OutcomeTransient, 60 * time.Minute},
		{"capped", 10, OutcomeTransient, 240 * time.Minute},
		{"huge streak", 1000, OutcomeTransient, 240 * time.Minute},
		{"rate limited floor", 1, OutcomeRateLimited, 60 * time.Minute},
		{"rate limited grows past floor", 4, OutcomeRateLimited, 120 * time.Minute},
		{"permanent", 1, OutcomePermanent, 240 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(cadence, tt.errors, tt.kind))
		})
	}
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFromError(nil).Kind)
	assert.Equal(t, OutcomeTransient, OutcomeFromError(errors.New("boom")).Kind)
	assert.Equal(t, OutcomeTransient, OutcomeFromError(&availability.SourceError{Kind: availability.KindTimeout}).Kind)
	assert.Equal(t, OutcomeRateLimited, OutcomeFromError(&availability.SourceError{Kind: availability.KindRateLimited}).Kind)
	assert.Equal(t, OutcomePermanent, OutcomeFromError(&availability.SourceError{Kind: availability.KindNotFound}).Kind)
	assert.Equal(t, OutcomePermanent, OutcomeFromError(&availability.SourceError{Kind: availability.KindMalformed}).Kind)
}
