package httpapi

import (
	"errors"
	"net/http"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{service.ErrInvalidDeviceID, http.StatusBadRequest, "invalid_device_id"},
	{service.ErrInvalidPublicKey, http.StatusBadRequest, "invalid_public_key"},
	{service.ErrInvalidCardUID, http.StatusBadRequest, "invalid_card_uid"},
	{service.ErrInvalidEmployeeID, http.StatusBadRequest, "invalid_employee_id"},
	{service.ErrInvalidCardType, http.StatusBadRequest, "invalid_card_type"},
	{service.ErrInvalidFee, http.StatusBadRequest, "invalid_fee"},
	{service.ErrInvalidResolution, http.StatusBadRequest, "invalid_resolution"},

	{service.ErrDeviceNotFound, http.StatusNotFound, "device_not_found"},
	{service.ErrBadgeNotFound, http.StatusNotFound, "badge_not_found"},
	{service.ErrNoActiveBadge, http.StatusNotFound, "no_active_badge"},

	{service.ErrDuplicateCardUID, http.StatusConflict, "duplicate_card_uid"},
	{service.ErrEmployeeAlreadyBadged, http.StatusConflict, "employee_already_badged"},
	{service.ErrAlreadyInactive, http.StatusConflict, "already_inactive"},
	{service.ErrNotReactivatable, http.StatusConflict, "not_reactivatable"},
	{service.ErrBadgeEmployeeMismatch, http.StatusConflict, "badge_employee_mismatch"},
	{service.ErrBadgeExpired, http.StatusConflict, "badge_expired"},
	{service.ErrNoOpenViolation, http.StatusConflict, "no_open_violation"},
	{service.ErrViolationMismatch, http.StatusConflict, "violation_mismatch"},
}

// writeServiceError maps a service error to its HTTP status.  Anything
// unmapped is logged and reported as a 500 without its text.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeError(w, r, m.status, m.code, m.err.Error())
			return
		}
	}
	s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
}
