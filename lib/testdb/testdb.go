// Package testdb opens migrated in-memory sqlite databases for package tests.
package testdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/fiffu/campwatch/lib/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps the in-memory database alive and serialises writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedUser inserts a verified user that wants both channels.
func SeedUser(t testing.TB, db *gorm.DB, email, phone string) *models.User {
	t.Helper()

	user := &models.User{
		Email:         email,
		EmailVerified: true,
		Phone:         phone,
		PhoneVerified: phone != "",
		SMSGateway:    "txt.example.net",
		NotifyEmail:   true,
		NotifySMS:     phone != "",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}
