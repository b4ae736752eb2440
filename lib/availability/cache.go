package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiffu/campwatch/lib/models"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cache keeps the latest known availability per campground and night.
type Cache struct {
	db     *gorm.DB
	log    *zap.Logger
	source Source
}

func NewCache(db *gorm.DB, log *zap.Logger, source Source) *Cache {
	return &Cache{db, log, source}
}

// Change summarises what a refresh wrote.
type Change struct {
	Dates     []time.Time
	Increased []time.Time
}

func (c *Change) HasIncrease() bool {
	return c != nil && len(c.Increased) > 0
}

var snapshotKey = []clause.Column{{Name: "campground_id"}, {Name: "date"}}

// Refresh fetches every span and overwrites the cached nights. If any span
// fails, all requested nights are marked with the failure and keep their counts.
func (c *Cache) Refresh(ctx context.Context, campgroundID string, spans []Span, now time.Time) (*Change, error) {
	var dates []time.Time
	for _, span := range spans {
		dates = append(dates, span.Dates()...)
	}
	change := &Change{Dates: dates}
	if len(dates) == 0 {
		return change, nil
	}

	fetched := make(map[time.Time]DateAvailability, len(dates))
	for _, span := range spans {
		results, err := c.source.Availability(ctx, campgroundID, span.From, span.To)
		if err != nil {
			if recErr := c.recordFailure(ctx, campgroundID, dates, err, now); recErr != nil {
				c.log.Sugar().Errorw("Failed to record fetch failure", "campground_id", campgroundID, "err", recErr)
			}
			return nil, err
		}
		for _, r := range results {
			fetched[models.Day(r.Date)] = r
		}
	}

	previous, err := c.Snapshots(ctx, campgroundID, dates[0], dates[len(dates)-1].AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	prevByDate := previous.ByDate()

	rows := make([]models.Availability, 0, len(dates))
	for _, date := range dates {
		row := models.Availability{
			CampgroundID: campgroundID,
			Date:         date,
			LastChecked:  now,
			CheckStatus:  models.CheckSuccess,
		}
		if r, ok := fetched[date]; ok {
			row.AvailableSites, row.TotalSites = clampCounts(r.Available, r.Total)
			if len(r.Sites) > 0 {
				payload, err := json.Marshal(r.Sites)
				if err != nil {
					return nil, fmt.Errorf("encode payload: %w", err)
				}
				row.RawPayload = datatypes.JSON(payload)
			}
		}
		rows = append(rows, row)

		if row.AvailableSites > prevByDate[models.FormatDay(date)].AvailableSites {
			change.Increased = append(change.Increased, date)
		}
	}

	tx := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: snapshotKey, UpdateAll: true}).
		Create(&rows)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("upsert availability for %s: %w", campgroundID, err)
	}
	return change, nil
}

func (c *Cache) recordFailure(ctx context.Context, campgroundID string, dates []time.Time, cause error, now time.Time) error {
	status := models.CheckError
	if KindOf(cause) == KindRateLimited {
		status = models.CheckRateLimited
	}

	rows := make([]models.Availability, 0, len(dates))
	for _, date := range dates {
		rows = append(rows, models.Availability{
			CampgroundID: campgroundID,
			Date:         date,
			LastChecked:  now,
			CheckStatus:  status,
			ErrorMessage: cause.Error(),
		})
	}

	tx := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   snapshotKey,
			DoUpdates: clause.AssignmentColumns([]string{"check_status", "error_message", "last_checked"}),
		}).
		Create(&rows)
	return tx.Error
}

// Snapshots returns cached rows for nights in [from, to).
func (c *Cache) Snapshots(ctx context.Context, campgroundID string, from, to time.Time) (models.Availabilities, error) {
	var rows models.Availabilities
	tx := c.db.WithContext(ctx).
		Where("campground_id = ?", campgroundID).
		Where("date >= ? AND date < ?", models.Day(from), models.Day(to)).
		Order("date asc").
		Find(&rows)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", campgroundID, err)
	}
	return rows, nil
}

// Purge drops nights before the cutoff.
func (c *Cache) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx := c.db.WithContext(ctx).Delete(&models.Availability{}, "date < ?", models.Day(before))
	if err := tx.Error; err != nil {
		return 0, fmt.Errorf("purge availability: %w", err)
	}
	return tx.RowsAffected, nil
}
