package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib"
	"github.com/fiffu/campwatch/lib/availability"
	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/matcher"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/fiffu/campwatch/lib/scheduler"
	"github.com/fiffu/campwatch/lib/testdb"
	"github.com/fiffu/campwatch/senders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const signingKey = "signing-key"

type openSource struct{}

func (openSource) Availability(ctx context.Context, campgroundID string, from, to time.Time) ([]availability.DateAvailability, error) {
	var out []availability.DateAvailability
	for _, night := range models.Nights(from, to) {
		out = append(out, availability.DateAvailability{Date: night, Available: 2, Total: 10})
	}
	return out, nil
}

type apiHarness struct {
	db   *gorm.DB
	srv  *httptest.Server
	user *models.User
}

func newAPIHarness(t *testing.T) *apiHarness {
	db := testdb.New(t)
	log := zaptest.NewLogger(t)

	cfg := &config.Config{}
	cfg.Mailgun.WebhookSigningKey = signingKey

	reg := registry.New(db, log, registry.DefaultPolicy())
	lifecycle := scans.NewLifecycle(db, log, reg)
	cache := availability.NewCache(db, log, openSource{})
	engine := matcher.NewEngine(db, log)
	disp := dispatcher.NewDispatcher(db, log, senders.NewSenderRegistry(log, cfg, http.DefaultTransport), dispatcher.NewRecipients(db))
	sched := scheduler.NewScheduler(fxtest.NewLifecycle(t), cfg, log, reg, lifecycle, cache, engine, disp)
	svc := lib.NewService(cfg, log, db, reg, lifecycle, disp, sched)

	srv := httptest.NewServer(router(cfg, log, svc, senders.NewWebhookVerifier(cfg)))
	t.Cleanup(srv.Close)

	return &apiHarness{db, srv, testdb.SeedUser(t, db, "camper@example.com", "")}
}

func (h *apiHarness) do(t *testing.T, method, path string, form url.Values) (int, string) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(b)
}

func (h *apiHarness) createScan(t *testing.T, campgroundID string) ScanView {
	t.Helper()
	checkIn := time.Now().UTC().AddDate(0, 0, 10)
	status, body := h.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/scans", h.user.ID), url.Values{
		"campground_id": {campgroundID},
		"check_in":      {models.FormatDay(checkIn)},
		"check_out":     {models.FormatDay(checkIn.AddDate(0, 0, 2))},
	})
	require.Equal(t, http.StatusCreated, status, body)

	var view ScanView
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	return view
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)
}

func TestScanLifecycleEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	scan := h.createScan(t, "232447")
	assert.Equal(t, "232447", scan.CampgroundID)
	assert.Equal(t, "active", scan.Status)
	assert.Equal(t, 2, scan.Nights)
	assert.False(t, scan.Notified)

	base := fmt.Sprintf("/api/users/%d/scans", h.user.ID)

	status, body := h.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	var list []ScanView
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, scan.ID, list[0].ID)

	path := fmt.Sprintf("%s/%d", base, scan.ID)
	status, body = h.do(t, http.MethodPatch, path, url.Values{"status": {"paused"}})
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"status":"paused"`)

	status, _ = h.do(t, http.MethodPatch, path, url.Values{"status": {"sleeping"}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPatch, path, url.Values{"status": {"cancelled"}})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPatch, path, url.Values{"status": {"active"}})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Other users cannot see or touch the scan.
	other := h.createScan(t, "232447")
	status, _ = h.do(t, http.MethodDelete, fmt.Sprintf("/api/users/%d/scans/%d", h.user.ID+1, other.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateScanValidation(t *testing.T) {
	h := newAPIHarness(t)
	path := fmt.Sprintf("/api/users/%d/scans", h.user.ID)

	cases := []struct {
		name   string
		form   url.Values
		status int
	}{
		{"missing campground", url.Values{"check_in": {"2030-07-01"}, "check_out": {"2030-07-03"}}, http.StatusBadRequest},
		{"malformed date", url.Values{"campground_id": {"1"}, "check_in": {"07/01/2030"}, "check_out": {"2030-07-03"}}, http.StatusBadRequest},
		{"check-out before check-in", url.Values{"campground_id": {"1"}, "check_in": {"2030-07-03"}, "check_out": {"2030-07-01"}}, http.StatusBadRequest},
		{"zero nights", url.Values{"campground_id": {"1"}, "check_in": {"2030-07-03"}, "check_out": {"2030-07-03"}}, http.StatusBadRequest},
		{"bad expiry", url.Values{"campground_id": {"1"}, "check_in": {"2030-07-01"}, "check_out": {"2030-07-03"}, "expires_at": {"soon"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.do(t, http.MethodPost, path, tc.form)
			assert.Equal(t, tc.status, status, body)
		})
	}

	status, _ := h.do(t, http.MethodPost, "/api/users/999/scans", url.Values{
		"campground_id": {"1"}, "check_in": {"2030-07-01"}, "check_out": {"2030-07-03"},
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminJobs(t *testing.T) {
	h := newAPIHarness(t)
	h.createScan(t, "232447")
	h.createScan(t, "232447")

	status, body := h.do(t, http.MethodGet, "/api/admin/jobs", nil)
	require.Equal(t, http.StatusOK, status)
	var jobs []JobView
	require.NoError(t, json.Unmarshal([]byte(body), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].ActiveScanCount)
	assert.Nil(t, jobs[0].LastPolled)

	status, body = h.do(t, http.MethodPut, "/api/admin/jobs/232447/priority", url.Values{"priority": {"3"}})
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"priority":3`)

	status, _ = h.do(t, http.MethodPut, "/api/admin/jobs/232447/priority", url.Values{"priority": {"0"}})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPut, "/api/admin/jobs/232447/priority", url.Values{"priority": {"high"}})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPut, "/api/admin/jobs/missing/priority", url.Values{"priority": {"2"}})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, http.MethodPost, "/api/admin/jobs/232447/poll", nil)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = h.do(t, http.MethodPost, "/api/admin/jobs/missing/poll", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSyncPollNotifies(t *testing.T) {
	h := newAPIHarness(t)
	scan := h.createScan(t, "232447")

	status, body := h.do(t, http.MethodPost, "/api/admin/jobs/232447/poll?sync=true", nil)
	require.Equal(t, http.StatusOK, status, body)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, "success", report["outcome"])
	assert.EqualValues(t, 2, report["dates"])
	assert.EqualValues(t, 1, report["matched"])
	assert.NotContains(t, report, "error")

	status, body = h.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/notifications", h.user.ID), nil)
	require.Equal(t, http.StatusOK, status)
	var notes []NotificationView
	require.NoError(t, json.Unmarshal([]byte(body), &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, "email", notes[0].Channel)
	assert.Equal(t, "sent", notes[0].Status)
	require.NotNil(t, notes[0].ScanID)
	assert.Equal(t, scan.ID, *notes[0].ScanID)
	assert.NotNil(t, notes[0].SentAt)

	status, body = h.do(t, http.MethodGet, "/api/admin/notifications?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"recipient":"camper@example.com"`)

	status, body = h.do(t, http.MethodGet, "/api/admin/status", nil)
	require.Equal(t, http.StatusOK, status)
	var sys struct {
		SchedulerID   string           `json:"scheduler_id"`
		Jobs          registry.Stats   `json:"jobs"`
		Scans         map[string]int64 `json:"scans"`
		Notifications map[string]int64 `json:"notifications_24h"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &sys))
	assert.NotEmpty(t, sys.SchedulerID)
	assert.EqualValues(t, 1, sys.Jobs.Jobs)
	assert.EqualValues(t, 1, sys.Scans["active"])
	assert.EqualValues(t, 1, sys.Notifications["sent"])
}

func webhookBody(t *testing.T, key, event, messageID string) string {
	t.Helper()
	timestamp, token := "1719800000", "tok"
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp + token))

	b, err := json.Marshal(map[string]any{
		"signature": map[string]string{
			"timestamp": timestamp,
			"token":     token,
			"signature": hex.EncodeToString(mac.Sum(nil)),
		},
		"event-data": map[string]any{
			"event": event,
			"message": map[string]any{
				"headers": map[string]any{"message-id": "<" + messageID + ">"},
			},
		},
	})
	require.NoError(t, err)
	return string(b)
}

func TestMailgunWebhook(t *testing.T) {
	h := newAPIHarness(t)
	rec := &models.Notification{
		UserID:     h.user.ID,
		Channel:    models.ChannelEmail,
		Recipient:  h.user.Email,
		Status:     models.DeliverySent,
		ExternalID: "abc@mg.example.com",
		SentAt:     sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	require.NoError(t, h.db.Create(rec).Error)

	post := func(body string) (int, string) {
		res, err := http.Post(h.srv.URL+"/webhooks/mailgun", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer res.Body.Close()
		b, _ := io.ReadAll(res.Body)
		return res.StatusCode, string(b)
	}

	status, _ := post(webhookBody(t, "wrong-key", "delivered", rec.ExternalID))
	assert.Equal(t, http.StatusNotAcceptable, status)

	status, _ = post("not json")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := post(webhookBody(t, signingKey, "opened", rec.ExternalID))
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"confirmed":false}`, body)

	status, body = post(webhookBody(t, signingKey, "delivered", rec.ExternalID))
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"confirmed":true}`, body)

	var got models.Notification
	require.NoError(t, h.db.First(&got, rec.ID).Error)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
	assert.True(t, got.DeliveredAt.Valid)
}
