package app

import (
	"database/sql"
	"time"

	"github.com/fiffu/campwatch/lib/models"
)

type ScanView struct {
	ID           uint    `json:"id"`
	UserID       uint    `json:"user_id"`
	CampgroundID string  `json:"campground_id"`
	CheckIn      string  `json:"check_in"`
	CheckOut     string  `json:"check_out"`
	Nights       int     `json:"nights"`
	Status       string  `json:"status"`
	Notified     bool    `json:"notified"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    *string `json:"expires_at"`
}

func (view ScanView) From(entity models.Scan) ScanView {
	var expiresAt *string
	if entity.ExpiresAt != nil {
		expiresAt = isoformat(sql.NullTime{Time: *entity.ExpiresAt, Valid: true})
	}
	return ScanView{
		ID:           entity.ID,
		UserID:       entity.UserID,
		CampgroundID: entity.CampgroundID,
		CheckIn:      models.FormatDay(entity.CheckIn),
		CheckOut:     models.FormatDay(entity.CheckOut),
		Nights:       entity.Nights(),
		Status:       string(entity.Status),
		Notified:     entity.Notified,
		CreatedAt:    entity.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    expiresAt,
	}
}

type JobView struct {
	CampgroundID         string  `json:"campground_id"`
	ActiveScanCount      int     `json:"active_scan_count"`
	Priority             int     `json:"priority"`
	PollFrequencyMinutes int     `json:"poll_frequency_minutes"`
	LastPolled           *string `json:"last_polled"`
	NextPollAt           string  `json:"next_poll_at"`
	ConsecutiveErrors    int     `json:"consecutive_errors"`
	LastError            string  `json:"last_error,omitempty"`
	IsBeingPolled        bool    `json:"is_being_polled"`
	ClaimedBy            string  `json:"claimed_by,omitempty"`
}

func (view JobView) From(entity models.PollingJob) JobView {
	return JobView{
		CampgroundID:         entity.CampgroundID,
		ActiveScanCount:      entity.ActiveScanCount,
		Priority:             entity.Priority,
		PollFrequencyMinutes: entity.PollFrequencyMinutes,
		LastPolled:           isoformat(entity.LastPolled),
		NextPollAt:           entity.NextPollAt.UTC().Format(time.RFC3339),
		ConsecutiveErrors:    entity.ConsecutiveErrors,
		LastError:            entity.LastError,
		IsBeingPolled:        entity.IsBeingPolled,
		ClaimedBy:            entity.ClaimedBy,
	}
}

type NotificationView struct {
	ID          uint    `json:"id"`
	UserID      uint    `json:"user_id"`
	ScanID      *uint   `json:"scan_id"`
	Channel     string  `json:"channel"`
	Recipient   string  `json:"recipient"`
	Subject     string  `json:"subject,omitempty"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	SentAt      *string `json:"sent_at"`
	DeliveredAt *string `json:"delivered_at"`
}

func (view NotificationView) From(entity models.Notification) NotificationView {
	return NotificationView{
		ID:          entity.ID,
		UserID:      entity.UserID,
		ScanID:      entity.ScanID,
		Channel:     string(entity.Channel),
		Recipient:   entity.Recipient,
		Subject:     entity.Subject,
		Status:      string(entity.Status),
		Error:       entity.Error,
		CreatedAt:   entity.CreatedAt.UTC().Format(time.RFC3339),
		SentAt:      isoformat(entity.SentAt),
		DeliveredAt: isoformat(entity.DeliveredAt),
	}
}

type Fromable[Entity any, Repr any] interface {
	From(Entity) Repr
}

func FromMany[T any, U Fromable[T, U]](elems []T) []U {
	out := make([]U, len(elems))
	for i, t := range elems {
		var u U
		out[i] = u.From(t)
	}
	return out
}

func isoformat(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.UTC().Format(time.RFC3339)
	return &s
}
