package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/fiffu/campwatch/lib/scheduler"
	"github.com/fiffu/campwatch/senders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service, verifier *senders.WebhookVerifier) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc, verifier)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc *lib.Service, verifier *senders.WebhookVerifier) http.Handler {
	ctrl := &controller{log, svc, verifier}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("campwatch", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Route("/users/{user_id}", func(r chi.Router) {
			r.Post("/scans", ctrl.createScan)
			r.Get("/scans", ctrl.listScans)
			r.Patch("/scans/{scan_id}", ctrl.updateScan)
			r.Delete("/scans/{scan_id}", ctrl.deleteScan)
			r.Get("/notifications", ctrl.userNotifications)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/status", ctrl.systemStatus)
			r.Get("/jobs", ctrl.listJobs)
			r.Post("/jobs/{campground_id}/poll", ctrl.forcePoll)
			r.Put("/jobs/{campground_id}/priority", ctrl.setPriority)
			r.Get("/notifications", ctrl.recentNotifications)
		})
	})

	// Mailgun signs its webhooks, so this sits outside basic auth.
	r.Post("/webhooks/mailgun", ctrl.mailgunWebhook)

	return r
}

type controller struct {
	log      *zap.Logger
	svc      *lib.Service
	verifier *senders.WebhookVerifier
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

// fail maps domain errors onto status codes.
func (ctrl *controller) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scans.ErrNotFound),
		errors.Is(err, registry.ErrJobNotFound),
		errors.Is(err, lib.ErrUnknownUser):
		ctrl.reject(w, http.StatusNotFound, err)
	case errors.Is(err, scans.ErrInvalidDateRange),
		errors.Is(err, registry.ErrInvalidPriority):
		ctrl.reject(w, http.StatusBadRequest, err)
	case errors.Is(err, scans.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrBusy):
		ctrl.reject(w, http.StatusConflict, err)
	default:
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
		ctrl.reject(w, http.StatusInternalServerError, err)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
		return
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

func (ctrl *controller) createScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	req, err := parseCreateScan(r)
	if err != nil {
		ctrl.reject(w, 400, err)
		return
	}
	checkIn, checkOut, expiresAt := req.dates()

	scan, err := ctrl.svc.CreateScan(ctx, parseInt(userID), req.CampgroundID, checkIn, checkOut, expiresAt)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusCreated, ScanView{}.From(*scan))
}

func (ctrl *controller) listScans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	list, err := ctrl.svc.ListScans(ctx, parseInt(userID))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.Scan, ScanView](list))
}

func (ctrl *controller) updateScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")
	scanID := chi.URLParam(r, "scan_id")

	req, err := parseUpdateScan(r)
	if err != nil {
		ctrl.reject(w, 400, err)
		return
	}

	scan, err := ctrl.svc.UpdateScanStatus(ctx, parseInt(userID), parseInt(scanID), models.ScanStatus(req.Status))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, ScanView{}.From(*scan))
}

func (ctrl *controller) deleteScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")
	scanID := chi.URLParam(r, "scan_id")

	if err := ctrl.svc.DeleteScan(ctx, parseInt(userID), parseInt(scanID)); err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.reject(w, http.StatusNoContent, nil)
}

func (ctrl *controller) userNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	list, err := ctrl.svc.Notifications(ctx, parseInt(userID), int(parseInt(r.FormValue("limit"))))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.Notification, NotificationView](list))
}

func (ctrl *controller) systemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := ctrl.svc.SystemStatus(r.Context())
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, status)
}

func (ctrl *controller) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := ctrl.svc.Jobs(r.Context())
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.PollingJob, JobView](jobs))
}

// forcePoll schedules the campground now. With sync=true it polls in-request
// and returns what happened.
func (ctrl *controller) forcePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campgroundID := chi.URLParam(r, "campground_id")

	if r.FormValue("sync") != "true" {
		if err := ctrl.svc.ForcePoll(ctx, campgroundID); err != nil {
			ctrl.fail(w, err)
			return
		}
		ctrl.resolve(w, http.StatusAccepted, map[string]any{"campground_id": campgroundID, "queued": true})
		return
	}

	report, err := ctrl.svc.PollNow(ctx, campgroundID)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	body := map[string]any{
		"campground_id": report.CampgroundID,
		"outcome":       report.Outcome,
		"dates":         report.Dates,
		"increased":     report.Increased,
		"matched":       report.Matched,
		"notified":      report.Notified,
	}
	if report.Err != nil {
		body["error"] = report.Err.Error()
	}
	ctrl.resolve(w, http.StatusOK, body)
}

func (ctrl *controller) setPriority(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campgroundID := chi.URLParam(r, "campground_id")

	priority, err := strconv.Atoi(r.FormValue("priority"))
	if err != nil {
		ctrl.reject(w, 400, errors.New("priority must be an integer"))
		return
	}

	job, err := ctrl.svc.SetPriority(ctx, campgroundID, priority)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, JobView{}.From(*job))
}

func (ctrl *controller) recentNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := ctrl.svc.RecentNotifications(r.Context(), int(parseInt(r.FormValue("limit"))))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.Notification, NotificationView](list))
}

func (ctrl *controller) mailgunWebhook(w http.ResponseWriter, r *http.Request) {
	var payload mailgun.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		ctrl.reject(w, 400, err)
		return
	}
	if err := ctrl.verifier.Verify(payload.Signature); err != nil {
		ctrl.reject(w, http.StatusNotAcceptable, err)
		return
	}

	evt := senders.ParseDeliveryEvent(payload)
	if evt.Event != "delivered" || evt.MessageID == "" {
		ctrl.resolve(w, http.StatusOK, map[string]any{"confirmed": false})
		return
	}

	ok, err := ctrl.svc.ConfirmDelivery(r.Context(), evt.MessageID)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"confirmed": ok})
}

func parseInt(s string) uint {
	u, _ := strconv.ParseUint(s, 10, 64)
	return uint(u)
}
