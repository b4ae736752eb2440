package app

import (
	"net/http"
	"time"

	"github.com/fiffu/campwatch/lib/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type createScanRequest struct {
	CampgroundID string `validate:"required,max=32"`
	CheckIn      string `validate:"required,datetime=2006-01-02"`
	CheckOut     string `validate:"required,datetime=2006-01-02"`
	ExpiresAt    string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

func parseCreateScan(r *http.Request) (*createScanRequest, error) {
	req := &createScanRequest{
		CampgroundID: r.FormValue("campground_id"),
		CheckIn:      r.FormValue("check_in"),
		CheckOut:     r.FormValue("check_out"),
		ExpiresAt:    r.FormValue("expires_at"),
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Dates have already passed validation, so parse errors are not expected here.
func (req *createScanRequest) dates() (checkIn, checkOut time.Time, expiresAt *time.Time) {
	checkIn, _ = models.ParseDay(req.CheckIn)
	checkOut, _ = models.ParseDay(req.CheckOut)
	if req.ExpiresAt != "" {
		t, _ := time.Parse(time.RFC3339, req.ExpiresAt)
		t = t.UTC()
		expiresAt = &t
	}
	return
}

type updateScanRequest struct {
	Status string `validate:"required,oneof=active paused completed cancelled"`
}

func parseUpdateScan(r *http.Request) (*updateScanRequest, error) {
	req := &updateScanRequest{Status: r.FormValue("status")}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	return req, nil
}
