package availability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Source is anything that can report per-night availability for a campground.
// The window is [from, to).
type Source interface {
	Availability(ctx context.Context, campgroundID string, from, to time.Time) ([]DateAvailability, error)
}

type DateAvailability struct {
	Date      time.Time
	Available int
	Total     int
	Sites     map[string]string // campsite id -> provider status
}

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindNotFound    ErrorKind = "not_found"
	KindUnknown     ErrorKind = "unknown"
)

type SourceError struct {
	Kind ErrorKind
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("availability source %s: %v", e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Permanent errors will not go away by polling sooner.
func (e *SourceError) Permanent() bool {
	return e.Kind == KindMalformed || e.Kind == KindNotFound
}

// KindOf classifies any error returned while fetching.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// IsPermanent reports whether err is a source error that backs off at maximum.
func IsPermanent(err error) bool {
	var srcErr *SourceError
	return errors.As(err, &srcErr) && srcErr.Permanent()
}

func clampCounts(available, total int) (int, int) {
	if total < 0 {
		total = 0
	}
	if available < 0 {
		available = 0
	}
	if available > total {
		available = total
	}
	return available, total
}
