package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("scan not found")
	ErrInvalidDateRange  = errors.New("check-out must be after check-in")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Lifecycle is the only writer of scans, so it is also the only caller of
// the registry's demand hooks. Each mutation and its hook share a transaction.
type Lifecycle struct {
	db       *gorm.DB
	log      *zap.Logger
	registry *registry.Registry
	now      func() time.Time
}

func NewLifecycle(db *gorm.DB, log *zap.Logger, reg *registry.Registry) *Lifecycle {
	return &Lifecycle{db, log, reg, func() time.Time { return time.Now().UTC() }}
}

func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	cp := *l
	cp.now = now
	cp.registry = l.registry.WithClock(now)
	return &cp
}

type CreateParams struct {
	UserID       uint
	CampgroundID string
	CheckIn      time.Time
	CheckOut     time.Time
	ExpiresAt    *time.Time
}

func (l *Lifecycle) Create(ctx context.Context, params CreateParams) (*models.Scan, error) {
	checkIn, checkOut := models.Day(params.CheckIn), models.Day(params.CheckOut)
	if !checkOut.After(checkIn) {
		return nil, ErrInvalidDateRange
	}
	if params.CampgroundID == "" {
		return nil, errors.New("campground id is required")
	}

	now := l.now()
	scan := &models.Scan{
		UserID:       params.UserID,
		CampgroundID: params.CampgroundID,
		CheckIn:      checkIn,
		CheckOut:     checkOut,
		Status:       models.ScanActive,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(scan).Error; err != nil {
			return err
		}
		return l.registry.WithTx(tx).OnRequestCreated(ctx, scan.CampgroundID)
	})
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	l.log.Sugar().Infow("Scan created",
		"scan_id", scan.ID,
		"user_id", scan.UserID,
		"campground_id", scan.CampgroundID,
		"check_in", models.FormatDay(scan.CheckIn),
		"check_out", models.FormatDay(scan.CheckOut),
	)
	return scan, nil
}

func canTransition(from, to models.ScanStatus) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch to {
	case models.ScanActive:
		return from == models.ScanPaused
	case models.ScanPaused:
		return from == models.ScanActive
	default:
		return true
	}
}

func (l *Lifecycle) UpdateStatus(ctx context.Context, userID, scanID uint, status models.ScanStatus) (*models.Scan, error) {
	var scan models.Scan
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := findOwned(tx, userID, scanID, &scan); err != nil {
			return err
		}
		if scan.Status == status {
			return nil
		}
		if !canTransition(scan.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, scan.Status, status)
		}

		prev := scan.Status
		res := tx.Model(&models.Scan{}).
			Where("id = ? AND status = ?", scan.ID, prev).
			Updates(map[string]any{"status": status, "updated_at": l.now()})
		if err := res.Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: scan %d changed concurrently", ErrInvalidTransition, scan.ID)
		}
		scan.Status = status
		return l.registry.WithTx(tx).OnStatusChanged(ctx, scan.CampgroundID, prev, status)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (l *Lifecycle) Delete(ctx context.Context, userID, scanID uint) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scan models.Scan
		if err := findOwned(tx, userID, scanID, &scan); err != nil {
			return err
		}
		if err := tx.Model(&models.Notification{}).Where("scan_id = ?", scan.ID).Update("scan_id", nil).Error; err != nil {
			return err
		}
		// Conditional on the status read above so demand is decremented for the status actually deleted.
		res := tx.Where("status = ?", scan.Status).Delete(&scan)
		if err := res.Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: scan %d changed concurrently", ErrInvalidTransition, scan.ID)
		}
		return l.registry.WithTx(tx).OnDeleted(ctx, scan.CampgroundID, scan.Status)
	})
}

func (l *Lifecycle) Get(ctx context.Context, userID, scanID uint) (*models.Scan, error) {
	scan := &models.Scan{}
	if err := findOwned(l.db.WithContext(ctx), userID, scanID, scan); err != nil {
		return nil, err
	}
	return scan, nil
}

func (l *Lifecycle) ListForUser(ctx context.Context, userID uint) (models.Scans, error) {
	var scans models.Scans
	tx := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc").Find(&scans)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}

// ActiveFor lists active scans for a campground in creation order.
func (l *Lifecycle) ActiveFor(ctx context.Context, campgroundID string) (models.Scans, error) {
	var scans models.Scans
	tx := l.db.WithContext(ctx).
		Where("campground_id = ? AND status = ?", campgroundID, models.ScanActive).
		Order("created_at asc, id asc").
		Find(&scans)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("active scans for %s: %w", campgroundID, err)
	}
	return scans, nil
}

// Expire completes every live scan whose stay has passed or whose expiry is due.
func (l *Lifecycle) Expire(ctx context.Context, now time.Time) (int, error) {
	var candidates models.Scans
	tx := l.db.WithContext(ctx).
		Where("status IN ?", []models.ScanStatus{models.ScanActive, models.ScanPaused}).
		Where("check_out < ? OR (expires_at IS NOT NULL AND expires_at <= ?)", models.Day(now), now).
		Find(&candidates)
	if err := tx.Error; err != nil {
		return 0, fmt.Errorf("find expired scans: %w", err)
	}

	expired := 0
	for _, scan := range candidates {
		if _, err := l.UpdateStatus(ctx, scan.UserID, scan.ID, models.ScanCompleted); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		l.log.Sugar().Infow("Expired scans", "count", expired)
	}
	return expired, nil
}

func findOwned(db *gorm.DB, userID, scanID uint, scan *models.Scan) error {
	tx := db.Where("id = ? AND user_id = ?", scanID, userID).First(scan)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("load scan %d: %w", scanID, err)
	}
	return nil
}
