package registry

import (
	"math"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/availability"
)

// Policy turns demand, priority and error streaks into polling intervals.
type Policy struct {
	Base             time.Duration
	Min              time.Duration
	Max              time.Duration
	MaxBackoff       time.Duration
	RateLimitBackoff time.Duration
	ClaimTimeout     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Base:             15 * time.Minute,
		Min:              5 * time.Minute,
		Max:              60 * time.Minute,
		MaxBackoff:       240 * time.Minute,
		RateLimitBackoff: 60 * time.Minute,
		ClaimTimeout:     10 * time.Minute,
	}
}

func PolicyFromConfig(cfg config.Scheduler) Policy {
	return Policy{
		Base:             time.Duration(cfg.BaseIntervalMins) * time.Minute,
		Min:              time.Duration(cfg.MinIntervalMins) * time.Minute,
		Max:              time.Duration(cfg.MaxIntervalMins) * time.Minute,
		MaxBackoff:       time.Duration(cfg.MaxBackoffMins) * time.Minute,
		RateLimitBackoff: time.Duration(cfg.RateLimitBackoffMins) * time.Minute,
		ClaimTimeout:     time.Duration(cfg.ClaimTimeoutMins) * time.Minute,
	}
}

// Cadence is base / (priority * (1 + log2(demand))), rounded to the minute and clamped to [Min, Max].
func (p Policy) Cadence(priority, demand int) time.Duration {
	if priority < 1 {
		priority = 1
	}
	if demand < 1 {
		demand = 1
	}
	divisor := float64(priority) * (1 + math.Log2(float64(demand)))
	mins := math.Round(p.Base.Minutes() / divisor)
	d := time.Duration(mins) * time.Minute
	if d < p.Min {
		d = p.Min
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Backoff is the wait after the given number of consecutive failures.
func (p Policy) Backoff(cadence time.Duration, errors int, kind OutcomeKind) time.Duration {
	switch kind {
	case OutcomeSuccess:
		return cadence
	case OutcomePermanent:
		return p.MaxBackoff
	}

	d := cadence
	for i := 1; i < errors && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if kind == OutcomeRateLimited && d < p.RateLimitBackoff {
		d = p.RateLimitBackoff
	}
	return d
}

type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeTransient   OutcomeKind = "transient"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomePermanent   OutcomeKind = "permanent"
)

// Outcome is the result of one poll as far as scheduling is concerned.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess}
	case availability.IsPermanent(err):
		return Outcome{Kind: OutcomePermanent, Err: err}
	case availability.KindOf(err) == availability.KindRateLimited:
		return Outcome{Kind: OutcomeRateLimited, Err: err}
	default:
		return Outcome{Kind: OutcomeTransient, Err: err}
	}
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
