package models

import (
	"time"
)

// Scan is a user's standing request to hear about availability for one stay.
type Scan struct {
	ID           uint       `gorm:"primaryKey"`
	UserID       uint       `gorm:"index;not null"`
	CampgroundID string     `gorm:"index:idx_scan_campground_status;not null"`
	CheckIn      time.Time  `gorm:"not null"`
	CheckOut     time.Time  `gorm:"not null"`
	Status       ScanStatus `gorm:"index:idx_scan_campground_status;not null;default:active"`
	Notified     bool       `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    *time.Time
}

type Scans []Scan

func (s *Scan) Nights() int {
	return len(Nights(s.CheckIn, s.CheckOut))
}

func (s *Scan) Expired(now time.Time) bool {
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return true
	}
	return Day(s.CheckOut).Before(Day(now))
}
