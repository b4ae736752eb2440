package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound     = errors.New("polling job not found")
	ErrInvalidPriority = errors.New("priority must be at least 1")
	ErrClaimLost       = errors.New("claim is held by another poller")
)

// Registry owns the polling_jobs table. Demand hooks are meant to be called
// by the scan lifecycle inside the same transaction as the scan write.
type Registry struct {
	db     *gorm.DB
	log    *zap.Logger
	policy Policy
	now    func() time.Time
}

func NewRegistry(cfg *config.Config, log *zap.Logger, db *gorm.DB) *Registry {
	return New(db, log, PolicyFromConfig(cfg.Scheduler))
}

func New(db *gorm.DB, log *zap.Logger, policy Policy) *Registry {
	return &Registry{
		db:     db,
		log:    log,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Policy() Policy { return r.policy }

// WithTx returns a copy of the registry bound to tx.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	cp := *r
	cp.db = tx
	return &cp
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	cp := *r
	cp.now = now
	return &cp
}

func (r *Registry) OnRequestCreated(ctx context.Context, campgroundID string) error {
	now := r.now()
	job := models.PollingJob{
		CampgroundID:         campgroundID,
		ActiveScanCount:      1,
		NextPollAt:           now,
		PollFrequencyMinutes: minutes(r.policy.Cadence(1, 1)),
		Priority:             1,
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campground_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"active_scan_count": gorm.Expr("polling_jobs.active_scan_count + 1"),
			"updated_at":        now,
		}),
	}).Create(&job)
	if err := tx.Error; err != nil {
		return fmt.Errorf("increment demand for %s: %w", campgroundID, err)
	}
	return r.recompute(ctx, campgroundID)
}

func (r *Registry) OnRequestRemoved(ctx context.Context, campgroundID string) error {
	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ?", campgroundID).
		Update("active_scan_count", gorm.Expr("CASE WHEN active_scan_count > 0 THEN active_scan_count - 1 ELSE 0 END"))
	if err := tx.Error; err != nil {
		return fmt.Errorf("decrement demand for %s: %w", campgroundID, err)
	}
	if tx.RowsAffected == 0 {
		r.log.Sugar().Warnw("Demand removed for campground without a polling job", "campground_id", campgroundID)
		return nil
	}
	return r.recompute(ctx, campgroundID)
}

func (r *Registry) OnStatusChanged(ctx context.Context, campgroundID string, from, to models.ScanStatus) error {
	switch {
	case from == to:
		return nil
	case to == models.ScanActive:
		return r.OnRequestCreated(ctx, campgroundID)
	case from == models.ScanActive:
		return r.OnRequestRemoved(ctx, campgroundID)
	}
	return nil
}

func (r *Registry) OnDeleted(ctx context.Context, campgroundID string, status models.ScanStatus) error {
	if status != models.ScanActive {
		return nil
	}
	return r.OnRequestRemoved(ctx, campgroundID)
}

// recompute refreshes the cadence after a demand or priority change. A job in
// backoff keeps its schedule; otherwise a shorter cadence pulls the next poll forward.
func (r *Registry) recompute(ctx context.Context, campgroundID string) error {
	job, err := r.Get(ctx, campgroundID)
	if err != nil {
		return err
	}
	if job.ConsecutiveErrors > 0 {
		return nil
	}

	cadence := r.policy.Cadence(job.Priority, job.ActiveScanCount)
	updates := map[string]any{"poll_frequency_minutes": minutes(cadence)}
	if job.LastPolled.Valid {
		if candidate := job.LastPolled.Time.Add(cadence); candidate.Before(job.NextPollAt) {
			updates["next_poll_at"] = candidate
		}
	}

	tx := r.db.WithContext(ctx).Model(&models.PollingJob{}).Where("campground_id = ?", campgroundID).Updates(updates)
	if err := tx.Error; err != nil {
		return fmt.Errorf("recompute cadence for %s: %w", campgroundID, err)
	}
	return nil
}

// Due lists jobs that should be polled now, most urgent first.
func (r *Registry) Due(ctx context.Context, now time.Time, limit int) (models.PollingJobs, error) {
	if limit <= 0 {
		return nil, nil
	}
	staleCutoff := now.Add(-r.policy.ClaimTimeout)

	var jobs models.PollingJobs
	tx := r.db.WithContext(ctx).
		Where("active_scan_count > 0").
		Where("next_poll_at <= ?", now).
		Where("is_being_polled = ? OR claimed_at < ?", false, staleCutoff).
		Order("priority desc, next_poll_at asc").
		Limit(limit).
		Find(&jobs)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	return jobs, nil
}

// Claim marks the job as being polled by owner. It reports false when another
// pass or instance got there first.
func (r *Registry) Claim(ctx context.Context, campgroundID, owner string, now time.Time) (bool, error) {
	staleCutoff := now.Add(-r.policy.ClaimTimeout)

	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ?", campgroundID).
		Where("next_poll_at <= ?", now).
		Where("is_being_polled = ? OR claimed_at < ?", false, staleCutoff).
		Updates(map[string]any{
			"is_being_polled": true,
			"claimed_by":      owner,
			"claimed_at":      now,
		})
	if err := tx.Error; err != nil {
		return false, fmt.Errorf("claim %s: %w", campgroundID, err)
	}
	return tx.RowsAffected == 1, nil
}

// Complete records a poll outcome and releases the claim. LastPolled only
// moves on success. It returns ErrClaimLost, changing nothing, when owner no
// longer holds the claim.
func (r *Registry) Complete(ctx context.Context, campgroundID, owner string, outcome Outcome, now time.Time) (*models.PollingJob, error) {
	job, err := r.Get(ctx, campgroundID)
	if err != nil {
		return nil, err
	}

	cadence := r.policy.Cadence(job.Priority, job.ActiveScanCount)
	updates := map[string]any{
		"is_being_polled": false,
		"claimed_by":      "",
		"claimed_at":      nil,
	}

	if outcome.Kind == OutcomeSuccess {
		updates["consecutive_errors"] = 0
		updates["last_error"] = ""
		updates["last_polled"] = now
		updates["poll_frequency_minutes"] = minutes(cadence)
		updates["next_poll_at"] = now.Add(cadence)
	} else {
		streak := job.ConsecutiveErrors + 1
		interval := r.policy.Backoff(cadence, streak, outcome.Kind)
		lastError := string(outcome.Kind)
		if outcome.Err != nil {
			lastError = outcome.Err.Error()
		}
		updates["consecutive_errors"] = streak
		updates["last_error"] = lastError
		updates["poll_frequency_minutes"] = minutes(interval)
		updates["next_poll_at"] = now.Add(interval)
	}

	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ? AND is_being_polled = ? AND claimed_by = ?", campgroundID, true, owner).
		Updates(updates)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("complete %s: %w", campgroundID, err)
	}
	if tx.RowsAffected == 0 {
		return nil, fmt.Errorf("complete %s by %s: %w", campgroundID, owner, ErrClaimLost)
	}
	return r.Get(ctx, campgroundID)
}

// Release clears owner's claim without touching the schedule. A claim taken
// over by someone else is left alone.
func (r *Registry) Release(ctx context.Context, campgroundID, owner string) error {
	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ? AND claimed_by = ?", campgroundID, owner).
		Updates(map[string]any{
			"is_being_polled": false,
			"claimed_by":      "",
			"claimed_at":      nil,
		})
	if err := tx.Error; err != nil {
		return fmt.Errorf("release %s: %w", campgroundID, err)
	}
	return nil
}

func (r *Registry) ForcePoll(ctx context.Context, campgroundID string, now time.Time) error {
	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ?", campgroundID).
		Update("next_poll_at", now)
	if err := tx.Error; err != nil {
		return fmt.Errorf("force poll %s: %w", campgroundID, err)
	}
	if tx.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *Registry) SetPriority(ctx context.Context, campgroundID string, priority int) error {
	if priority < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidPriority, priority)
	}
	tx := r.db.WithContext(ctx).
		Model(&models.PollingJob{}).
		Where("campground_id = ?", campgroundID).
		Update("priority", priority)
	if err := tx.Error; err != nil {
		return fmt.Errorf("set priority for %s: %w", campgroundID, err)
	}
	if tx.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return r.recompute(ctx, campgroundID)
}

func (r *Registry) Get(ctx context.Context, campgroundID string) (*models.PollingJob, error) {
	job := &models.PollingJob{}
	tx := r.db.WithContext(ctx).Where("campground_id = ?", campgroundID).First(job)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load job %s: %w", campgroundID, err)
	}
	return job, nil
}

func (r *Registry) List(ctx context.Context) (models.PollingJobs, error) {
	var jobs models.PollingJobs
	tx := r.db.WithContext(ctx).Order("next_poll_at asc").Find(&jobs)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

type Stats struct {
	Jobs        int64      `json:"jobs"`
	Active      int64      `json:"active"`
	BeingPolled int64      `json:"being_polled"`
	Erroring    int64      `json:"erroring"`
	NextPollAt  *time.Time `json:"next_poll_at"`
}

func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	db := r.db.WithContext(ctx).Model(&models.PollingJob{})
	stats := &Stats{}

	counts := []struct {
		dst   *int64
		where string
		arg   any
	}{
		{&stats.Jobs, "active_scan_count >= ?", 0},
		{&stats.Active, "active_scan_count > ?", 0},
		{&stats.BeingPolled, "is_being_polled = ?", true},
		{&stats.Erroring, "consecutive_errors > ?", 0},
	}
	for _, c := range counts {
		if err := db.Session(&gorm.Session{}).Where(c.where, c.arg).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
	}

	var next models.PollingJob
	tx := db.Session(&gorm.Session{}).Where("active_scan_count > 0").Order("next_poll_at asc").Limit(1).Find(&next)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	if tx.RowsAffected > 0 {
		stats.NextPollAt = &next.NextPollAt
	}
	return stats, nil
}
