package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errBudgetExhausted = errors.New("hourly request budget exhausted")

// RecGovClient reads the month availability endpoint that backs the recreation.gov booking page.
type RecGovClient struct {
	log       *zap.Logger
	transport http.RoundTripper

	baseURL   string
	userAgent string
	timeout   time.Duration

	interval *rate.Limiter // spacing between calls
	budget   *rate.Limiter // calls per hour
}

func NewRecGovClient(cfg *config.Config, log *zap.Logger, transport http.RoundTripper) *RecGovClient {
	minInterval := time.Duration(cfg.RecGov.MinIntervalSecs) * time.Second
	perHour := cfg.RecGov.MaxCallsPerHour
	if perHour < 1 {
		perHour = 1
	}

	return &RecGovClient{
		log:       log,
		transport: transport,
		baseURL:   strings.TrimRight(cfg.RecGov.BaseURL, "/"),
		userAgent: cfg.RecGov.UserAgent,
		timeout:   time.Duration(cfg.RecGov.TimeoutSecs) * time.Second,
		interval:  rate.NewLimiter(rate.Every(minInterval), 1),
		budget:    rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
	}
}

type monthResponse struct {
	Campsites map[string]campsite `json:"campsites"`
}

type campsite struct {
	CampsiteID     string            `json:"campsite_id"`
	Site           string            `json:"site"`
	Loop           string            `json:"loop"`
	CampsiteType   string            `json:"campsite_type"`
	Availabilities map[string]string `json:"availabilities"`
}

func (c *RecGovClient) Availability(ctx context.Context, campgroundID string, from, to time.Time) ([]DateAvailability, error) {
	from, to = models.Day(from), models.Day(to)
	if !from.Before(to) {
		return nil, nil
	}

	byDate := make(map[time.Time]*DateAvailability)
	for month := monthStart(from); month.Before(to); month = month.AddDate(0, 1, 0) {
		resp, err := c.fetchMonth(ctx, campgroundID, month)
		if err != nil {
			return nil, err
		}
		mergeMonth(byDate, resp, month)
	}

	out := make([]DateAvailability, 0)
	for _, night := range models.Nights(from, to) {
		if da, ok := byDate[night]; ok {
			out = append(out, *da)
		}
	}
	return out, nil
}

func (c *RecGovClient) fetchMonth(ctx context.Context, campgroundID string, month time.Time) (*monthResponse, error) {
	if !c.budget.Allow() {
		return nil, &SourceError{Kind: KindRateLimited, Err: errBudgetExhausted}
	}
	if err := c.interval.Wait(ctx); err != nil {
		return nil, &SourceError{Kind: KindTimeout, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/camps/availability/campground/%s/month", c.baseURL, url.PathEscape(campgroundID))
	startDate := month.Format("2006-01-02") + "T00:00:00.000Z"

	var body string
	err := requests.URL(endpoint).
		Param("start_date", startDate).
		Header("User-Agent", c.userAgent).
		Accept("application/json").
		Transport(c.transport).
		AddValidator(classifyStatus).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		var srcErr *SourceError
		if errors.As(err, &srcErr) {
			return nil, srcErr
		}
		return nil, &SourceError{Kind: KindOf(err), Err: err}
	}

	resp := &monthResponse{}
	if err := json.Unmarshal([]byte(body), resp); err != nil {
		return nil, &SourceError{Kind: KindMalformed, Err: err}
	}
	if resp.Campsites == nil {
		return nil, &SourceError{Kind: KindMalformed, Err: errors.New("response has no campsites")}
	}

	c.log.Sugar().Debugw("Fetched month availability",
		"campground_id", campgroundID,
		"month", month.Format("2006-01"),
		"campsites", len(resp.Campsites),
	)
	return resp, nil
}

func classifyStatus(res *http.Response) error {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &SourceError{Kind: KindRateLimited, Err: fmt.Errorf("status %d", code)}
	case code == http.StatusNotFound:
		return &SourceError{Kind: KindNotFound, Err: fmt.Errorf("status %d", code)}
	default:
		return &SourceError{Kind: KindUnknown, Err: fmt.Errorf("status %d", code)}
	}
}

// mergeMonth folds one month of per-site statuses into per-date counts.
// Every campsite in the response counts toward the total for each night of that month.
func mergeMonth(byDate map[time.Time]*DateAvailability, resp *monthResponse, month time.Time) {
	total := len(resp.Campsites)
	for night := month; night.Before(month.AddDate(0, 1, 0)); night = night.AddDate(0, 0, 1) {
		byDate[night] = &DateAvailability{Date: night, Total: total, Sites: map[string]string{}}
	}

	for siteID, site := range resp.Campsites {
		if site.CampsiteID != "" {
			siteID = site.CampsiteID
		}
		for key, status := range site.Availabilities {
			night, err := parseAvailabilityKey(key)
			if err != nil {
				continue
			}
			da, ok := byDate[night]
			if !ok {
				continue
			}
			da.Sites[siteID] = status
			if IsAvailable(status) {
				da.Available++
			}
		}
	}

	for _, da := range byDate {
		da.Available, da.Total = clampCounts(da.Available, da.Total)
	}
}

// IsAvailable reports whether a provider status means the site can be booked.
func IsAvailable(status string) bool {
	return status == "Available" || status == "A" || strings.HasPrefix(status, "$")
}

func parseAvailabilityKey(key string) (time.Time, error) {
	if len(key) < 10 {
		return time.Time{}, fmt.Errorf("bad date key %q", key)
	}
	return models.ParseDay(key[:10])
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
