package lib

import (
	"context"
	"time"

	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type admin struct {
	log        *zap.Logger
	db         *gorm.DB
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
}

func (a *admin) Jobs(ctx context.Context) (models.PollingJobs, error) {
	return a.registry.List(ctx)
}

// ForcePoll makes the campground due now and wakes the scheduler.
func (a *admin) ForcePoll(ctx context.Context, campgroundID string) error {
	if err := a.registry.ForcePoll(ctx, campgroundID, time.Now().UTC()); err != nil {
		return err
	}
	a.log.Sugar().Infow("Forced poll requested", "campground_id", campgroundID)
	a.scheduler.Wake(campgroundID)
	return nil
}

// PollNow polls the campground in the caller's goroutine and reports what happened.
func (a *admin) PollNow(ctx context.Context, campgroundID string) (*scheduler.PollReport, error) {
	return a.scheduler.PollNow(ctx, campgroundID)
}

func (a *admin) SetPriority(ctx context.Context, campgroundID string, priority int) (*models.PollingJob, error) {
	if err := a.registry.SetPriority(ctx, campgroundID, priority); err != nil {
		return nil, err
	}
	return a.registry.Get(ctx, campgroundID)
}

func (a *admin) RecentNotifications(ctx context.Context, limit int) (models.Notifications, error) {
	return a.dispatcher.Recent(ctx, limit)
}
