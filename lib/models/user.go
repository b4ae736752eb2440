package models

import (
	"database/sql"

	"gorm.io/gorm"
)

// User is owned by the profile service; the core only reads contact details and preferences.
type User struct {
	gorm.Model
	Email         string `gorm:"unique"`
	EmailVerified bool
	Phone         string
	PhoneVerified bool
	SMSGateway    string // carrier email-to-SMS domain, e.g. txt.att.net
	NotifyEmail   bool
	NotifySMS     bool
	LastLoginAt   sql.NullTime
}

// Campground is reference data keyed by the recreation.gov facility id.
type Campground struct {
	ID   string `gorm:"primaryKey"`
	Name string
}
