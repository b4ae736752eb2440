package models

import (
	"time"

	"gorm.io/datatypes"
)

// Availability is the last known state of one campground on one night.
// Rows are overwritten on every check, so this is a cache and not a history.
type Availability struct {
	CampgroundID   string    `gorm:"primaryKey"`
	Date           time.Time `gorm:"primaryKey"`
	AvailableSites int       `gorm:"not null;default:0"`
	TotalSites     int       `gorm:"not null;default:0"`
	RawPayload     datatypes.JSON
	LastChecked    time.Time
	CheckStatus    CheckStatus `gorm:"not null"`
	ErrorMessage   string
}

type Availabilities []Availability

// ByDate indexes snapshots by their formatted date.
func (as Availabilities) ByDate() map[string]Availability {
	out := make(map[string]Availability, len(as))
	for _, a := range as {
		out[FormatDay(a.Date)] = a
	}
	return out
}
