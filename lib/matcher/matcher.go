package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/campwatch/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Match is a scan whose every night currently has at least one open site.
type Match struct {
	Scan   models.Scan
	Nights models.Availabilities
}

type Engine struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewEngine(db *gorm.DB, log *zap.Logger) *Engine {
	return &Engine{db, log}
}

// Match evaluates the campground's live, un-notified scans against the cached
// snapshots. Results are ordered by scan creation time.
func (e *Engine) Match(ctx context.Context, campgroundID string, now time.Time) ([]Match, error) {
	var candidates models.Scans
	tx := e.db.WithContext(ctx).
		Where("campground_id = ?", campgroundID).
		Where("status = ? AND notified = ?", models.ScanActive, false).
		Order("created_at asc, id asc").
		Find(&candidates)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("load candidate scans: %w", err)
	}

	var live models.Scans
	for _, scan := range candidates {
		if !scan.Expired(now) {
			live = append(live, scan)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}

	from, to := live[0].CheckIn, live[0].CheckOut
	for _, scan := range live[1:] {
		if scan.CheckIn.Before(from) {
			from = scan.CheckIn
		}
		if scan.CheckOut.After(to) {
			to = scan.CheckOut
		}
	}

	var snapshots models.Availabilities
	tx = e.db.WithContext(ctx).
		Where("campground_id = ?", campgroundID).
		Where("date >= ? AND date < ?", models.Day(from), models.Day(to)).
		Find(&snapshots)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	byDate := snapshots.ByDate()

	var matches []Match
	for _, scan := range live {
		if nights, ok := satisfied(scan, byDate); ok {
			matches = append(matches, Match{Scan: scan, Nights: nights})
		}
	}

	if len(matches) > 0 {
		e.log.Sugar().Infow("Matched scans", "campground_id", campgroundID, "candidates", len(live), "matched", len(matches))
	}
	return matches, nil
}

func satisfied(scan models.Scan, byDate map[string]models.Availability) (models.Availabilities, bool) {
	nights := models.Nights(scan.CheckIn, scan.CheckOut)
	if len(nights) == 0 {
		return nil, false
	}

	out := make(models.Availabilities, 0, len(nights))
	for _, night := range nights {
		snap, ok := byDate[models.FormatDay(night)]
		if !ok || snap.AvailableSites <= 0 {
			return nil, false
		}
		out = append(out, snap)
	}
	return out, true
}
