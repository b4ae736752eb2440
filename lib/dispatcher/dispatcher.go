package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fiffu/campwatch/lib/matcher"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/senders"
	"github.com/fiffu/campwatch/senders/email"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	smsSubject   = "Campwatch"
	defaultLimit = 50

	defaultDispatchTimeout = 30 * time.Second
)

type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	senders    senders.Registry
	recipients Recipients
	now        func() time.Time
	timeout    time.Duration // budget for everything after the claim, detached from the caller
}

func NewDispatcher(db *gorm.DB, log *zap.Logger, registry senders.Registry, recipients Recipients) *Dispatcher {
	return &Dispatcher{db, log, registry, recipients, func() time.Time { return time.Now().UTC() }, defaultDispatchTimeout}
}

func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	cp := *d
	cp.timeout = timeout
	return &cp
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	cp := *d
	cp.now = now
	return &cp
}

// Result describes one dispatch. Claimed is false when another caller already
// notified the scan, or it is no longer active.
type Result struct {
	Claimed bool
	Records models.Notifications
}

func (r *Result) Sent() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == models.DeliverySent {
			n++
		}
	}
	return n
}

// Dispatch notifies the owner of a matched scan at most once. The notified
// flag is claimed before anything is sent and is never rolled back, so a
// failed delivery is recorded and not retried.
//
// Once the claim is won the caller's context no longer applies: sends and
// their records run under the dispatcher's own deadline, so every record
// ends up sent or failed even when the caller gives up.
func (d *Dispatcher) Dispatch(ctx context.Context, m matcher.Match) (*Result, error) {
	won, err := d.claim(ctx, m.Scan.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		d.log.Sugar().Debugw("Scan already notified or inactive", "scan_id", m.Scan.ID)
		return &Result{}, nil
	}
	result := &Result{Claimed: true}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	user, err := d.recipients.Recipient(ctx, m.Scan.UserID)
	if err != nil {
		return result, fmt.Errorf("resolve recipient for scan %d: %w", m.Scan.ID, err)
	}

	format := d.format(ctx, m)
	messages := outgoing(user, format)
	var errs []error
	for _, msg := range messages {
		rec, err := d.deliver(ctx, m.Scan, msg)
		if err != nil {
			d.log.Sugar().Errorw("Failed to record notification", "scan_id", m.Scan.ID, "channel", msg.channel, "err", err)
			errs = append(errs, err)
			continue
		}
		result.Records = append(result.Records, *rec)
	}

	if len(messages) == 0 {
		d.log.Sugar().Warnw("Matched scan has no deliverable channel", "scan_id", m.Scan.ID, "user_id", user.ID)
	}
	return result, errors.Join(errs...)
}

func (d *Dispatcher) claim(ctx context.Context, scanID uint) (bool, error) {
	tx := d.db.WithContext(ctx).
		Model(&models.Scan{}).
		Where("id = ? AND notified = ? AND status = ?", scanID, false, models.ScanActive).
		Updates(map[string]any{"notified": true, "updated_at": d.now()})
	if err := tx.Error; err != nil {
		return false, fmt.Errorf("claim scan %d: %w", scanID, err)
	}
	return tx.RowsAffected == 1, nil
}

func (d *Dispatcher) format(ctx context.Context, m matcher.Match) *email.AvailabilityFormat {
	f := &email.AvailabilityFormat{
		CampgroundID: m.Scan.CampgroundID,
		CheckIn:      m.Scan.CheckIn,
		CheckOut:     m.Scan.CheckOut,
	}
	for _, night := range m.Nights {
		f.Nights = append(f.Nights, email.Night{Date: night.Date, Available: night.AvailableSites, Total: night.TotalSites})
	}

	var cg models.Campground
	if tx := d.db.WithContext(ctx).Where("id = ?", m.Scan.CampgroundID).Limit(1).Find(&cg); tx.Error == nil {
		f.CampgroundName = cg.Name
	}
	return f
}

type outgoingMessage struct {
	channel models.Channel
	senders.Message
}

func outgoing(user *models.User, f *email.AvailabilityFormat) []outgoingMessage {
	var out []outgoingMessage
	if user.NotifyEmail && user.EmailVerified && user.Email != "" {
		out = append(out, outgoingMessage{models.ChannelEmail, senders.Message{
			Recipient: user.Email,
			Subject:   f.Subject(),
			Body:      f.Body(),
		}})
	}
	if user.NotifySMS && user.PhoneVerified && user.Phone != "" && user.SMSGateway != "" {
		out = append(out, outgoingMessage{models.ChannelSMS, senders.Message{
			Recipient: senders.SMSAddress(user.Phone, user.SMSGateway),
			Subject:   smsSubject,
			Body:      f.SMS(),
		}})
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, scan models.Scan, msg outgoingMessage) (*models.Notification, error) {
	scanID := scan.ID
	rec := &models.Notification{
		UserID:    scan.UserID,
		ScanID:    &scanID,
		Channel:   msg.channel,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Message:   msg.Body,
		Status:    models.DeliveryPending,
	}
	// Records outlive the send deadline so none is left pending.
	store := context.WithoutCancel(ctx)
	if err := d.record(store, rec); err != nil {
		return nil, err
	}

	updates := map[string]any{}
	sender, ok := d.senders[msg.channel]
	if !ok {
		updates["status"] = models.DeliveryFailed
		updates["error"] = fmt.Sprintf("no sender for channel %s", msg.channel)
	} else if externalID, err := sender.Send(ctx, msg.Message); err != nil {
		updates["status"] = models.DeliveryFailed
		updates["error"] = err.Error()
	} else {
		updates["status"] = models.DeliverySent
		updates["external_id"] = externalID
		updates["sent_at"] = d.now()
	}

	tx := d.db.WithContext(store).
		Model(&models.Notification{}).
		Where("id = ? AND status = ?", rec.ID, models.DeliveryPending).
		Updates(updates)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("update notification %d: %w", rec.ID, err)
	}

	logArgs := []any{"notification_id", rec.ID, "scan_id", scan.ID, "channel", msg.channel, "status", updates["status"]}
	if updates["status"] == models.DeliveryFailed {
		d.log.Sugar().Warnw("Notification failed", append(logArgs, "err", updates["error"])...)
	} else {
		d.log.Sugar().Infow("Notification sent", logArgs...)
	}

	return d.get(store, rec.ID)
}

// record writes the pending row. If the scan was deleted after it was claimed,
// the row is kept without a back-reference.
func (d *Dispatcher) record(ctx context.Context, rec *models.Notification) error {
	err := d.db.WithContext(ctx).Create(rec).Error
	if err == nil || rec.ScanID == nil {
		return err
	}

	var count int64
	if cerr := d.db.WithContext(ctx).Model(&models.Scan{}).Where("id = ?", *rec.ScanID).Count(&count).Error; cerr != nil || count > 0 {
		return fmt.Errorf("record notification: %w", err)
	}
	rec.ID = 0
	rec.ScanID = nil
	if err := d.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

func (d *Dispatcher) get(ctx context.Context, id uint) (*models.Notification, error) {
	rec := &models.Notification{}
	if err := d.db.WithContext(ctx).First(rec, id).Error; err != nil {
		return nil, fmt.Errorf("load notification %d: %w", id, err)
	}
	return rec, nil
}

// ConfirmDelivery moves a sent notification to delivered. It reports false
// when no sent notification carries the id.
func (d *Dispatcher) ConfirmDelivery(ctx context.Context, externalID string) (bool, error) {
	externalID = strings.Trim(externalID, "<>")
	if externalID == "" {
		return false, errors.New("external id is required")
	}

	tx := d.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("external_id = ? AND status = ?", externalID, models.DeliverySent).
		Updates(map[string]any{"status": models.DeliveryDelivered, "delivered_at": d.now()})
	if err := tx.Error; err != nil {
		return false, fmt.Errorf("confirm delivery %s: %w", externalID, err)
	}
	return tx.RowsAffected > 0, nil
}

func (d *Dispatcher) History(ctx context.Context, userID uint, limit int) (models.Notifications, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var recs models.Notifications
	tx := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&recs)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("notification history: %w", err)
	}
	return recs, nil
}

func (d *Dispatcher) Recent(ctx context.Context, limit int) (models.Notifications, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var recs models.Notifications
	tx := d.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&recs)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	return recs, nil
}

// Counts groups notifications created since the cutoff by status.
func (d *Dispatcher) Counts(ctx context.Context, since time.Time) (map[models.DeliveryStatus]int64, error) {
	var rows []struct {
		Status models.DeliveryStatus
		Count  int64
	}
	tx := d.db.WithContext(ctx).
		Model(&models.Notification{}).
		Select("status, count(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows)
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("notification counts: %w", err)
	}

	out := make(map[models.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
