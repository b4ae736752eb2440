package models

import (
	"database/sql"
	"time"
)

// Notification is the audit trail of one delivery attempt on one channel.
type Notification struct {
	ID          uint    `gorm:"primaryKey"`
	UserID      uint    `gorm:"index;not null"`
	ScanID      *uint   `gorm:"index"`
	Channel     Channel `gorm:"not null"`
	Recipient   string  `gorm:"not null"`
	Subject     string
	Message     string
	Status      DeliveryStatus `gorm:"index;not null"`
	ExternalID  string         `gorm:"index"`
	Error       string
	CreatedAt   time.Time
	SentAt      sql.NullTime
	DeliveredAt sql.NullTime

	Scan *Scan `gorm:"constraint:OnDelete:SET NULL"`
}

type Notifications []Notification
