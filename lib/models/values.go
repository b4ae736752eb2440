package models

import (
	"time"
)

const dateLayout = "2006-01-02"

// Day truncates t to midnight UTC. All calendar dates are stored this way.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

func FormatDay(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Nights lists each night from checkIn (inclusive) to checkOut (exclusive).
func Nights(checkIn, checkOut time.Time) []time.Time {
	var out []time.Time
	for d := Day(checkIn); d.Before(Day(checkOut)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

type ScanStatus string

const (
	ScanActive    ScanStatus = "active"
	ScanPaused    ScanStatus = "paused"
	ScanCompleted ScanStatus = "completed"
	ScanCancelled ScanStatus = "cancelled"
)

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanActive, ScanPaused, ScanCompleted, ScanCancelled:
		return true
	}
	return false
}

func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanCancelled
}

type CheckStatus string

const (
	CheckSuccess     CheckStatus = "success"
	CheckError       CheckStatus = "error"
	CheckRateLimited CheckStatus = "rate_limited"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDelivered DeliveryStatus = "delivered"
)
