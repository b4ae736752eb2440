package lib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/fiffu/campwatch/lib/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrUnknownUser = errors.New("unknown user")

type manageScans struct {
	log        *zap.Logger
	db         *gorm.DB
	lifecycle  *scans.Lifecycle
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
}

func (ms *manageScans) CreateScan(ctx context.Context, userID uint, campgroundID string, checkIn, checkOut time.Time, expiresAt *time.Time) (*models.Scan, error) {
	var count int64
	if err := ms.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
	}

	scan, err := ms.lifecycle.Create(ctx, scans.CreateParams{
		UserID:       userID,
		CampgroundID: campgroundID,
		CheckIn:      checkIn,
		CheckOut:     checkOut,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return nil, err
	}

	// New jobs are due immediately; no need to wait for the next tick.
	ms.scheduler.Wake(campgroundID)
	return scan, nil
}

func (ms *manageScans) ListScans(ctx context.Context, userID uint) (models.Scans, error) {
	return ms.lifecycle.ListForUser(ctx, userID)
}

func (ms *manageScans) UpdateScanStatus(ctx context.Context, userID, scanID uint, status models.ScanStatus) (*models.Scan, error) {
	return ms.lifecycle.UpdateStatus(ctx, userID, scanID, status)
}

func (ms *manageScans) DeleteScan(ctx context.Context, userID, scanID uint) error {
	return ms.lifecycle.Delete(ctx, userID, scanID)
}

func (ms *manageScans) Notifications(ctx context.Context, userID uint, limit int) (models.Notifications, error) {
	return ms.dispatcher.History(ctx, userID, limit)
}
