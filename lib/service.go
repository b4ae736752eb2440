package lib

import (
	"context"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/fiffu/campwatch/lib/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is what the HTTP API talks to.
type Service struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB

	*manageScans
	*admin
}

func NewService(
	cfg *config.Config,
	log *zap.Logger,
	db *gorm.DB,
	reg *registry.Registry,
	lifecycle *scans.Lifecycle,
	disp *dispatcher.Dispatcher,
	sched *scheduler.Scheduler,
) *Service {
	return &Service{
		cfg, log, db,
		&manageScans{log, db, lifecycle, disp, sched},
		&admin{log, db, reg, disp, sched},
	}
}

func (svc *Service) ConfirmDelivery(ctx context.Context, externalID string) (bool, error) {
	ok, err := svc.admin.dispatcher.ConfirmDelivery(ctx, externalID)
	if err == nil && !ok {
		svc.log.Sugar().Debugw("Delivery confirmation matched no sent notification", "external_id", externalID)
	}
	return ok, err
}

type SystemStatus struct {
	SchedulerID   string                          `json:"scheduler_id"`
	Jobs          *registry.Stats                 `json:"jobs"`
	Scans         map[models.ScanStatus]int64     `json:"scans"`
	Notifications map[models.DeliveryStatus]int64 `json:"notifications_24h"`
	CheckedAt     time.Time                       `json:"checked_at"`
}

func (svc *Service) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	now := time.Now().UTC()

	jobs, err := svc.admin.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	notifications, err := svc.admin.dispatcher.Counts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status models.ScanStatus
		Count  int64
	}
	tx := svc.db.WithContext(ctx).Model(&models.Scan{}).Select("status, count(*) as count").Group("status").Scan(&rows)
	if err := tx.Error; err != nil {
		return nil, err
	}
	scanCounts := make(map[models.ScanStatus]int64, len(rows))
	for _, row := range rows {
		scanCounts[row.Status] = row.Count
	}

	return &SystemStatus{
		SchedulerID:   svc.admin.scheduler.Owner(),
		Jobs:          jobs,
		Scans:         scanCounts,
		Notifications: notifications,
		CheckedAt:     now,
	}, nil
}
