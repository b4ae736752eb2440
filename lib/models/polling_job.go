package models

import (
	"database/sql"
	"time"
)

// PollingJob is the scheduling state of one monitored campground.
type PollingJob struct {
	CampgroundID         string `gorm:"primaryKey"`
	ActiveScanCount      int    `gorm:"not null;default:0"`
	LastPolled           sql.NullTime
	NextPollAt           time.Time `gorm:"index;not null"`
	PollFrequencyMinutes int       `gorm:"not null"`
	ConsecutiveErrors    int       `gorm:"not null;default:0"`
	LastError            string
	Priority             int  `gorm:"not null;default:1"`
	IsBeingPolled        bool `gorm:"not null;default:false"`
	ClaimedBy            string
	ClaimedAt            sql.NullTime
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type PollingJobs []PollingJob

func (j *PollingJob) PollFrequency() time.Duration {
	return time.Duration(j.PollFrequencyMinutes) * time.Minute
}
