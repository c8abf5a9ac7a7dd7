package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const maxListLimit = 1000

func queryLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	q := store.EventQuery{EmployeeID: r.URL.Query().Get("employee_id")}

	var ok bool
	if q.From, ok = queryTime(r, "from"); !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
		return
	}
	if q.To, ok = queryTime(r, "to"); !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
		return
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		writeError(w, r, http.StatusBadRequest, "invalid_range", "to must be after from")
		return
	}
	if q.Limit, ok = queryLimit(r, maxListLimit); !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	if raw := r.URL.Query().Get("include_deduplicated"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_include_deduplicated", "include_deduplicated must be a boolean")
			return
		}
		q.IncludeDeduplicated = v
	}

	events, err := s.attendance.ListEvents(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []types.AttendanceEvent{}
	}
	respond(w, r, http.StatusOK, struct {
		Events []types.AttendanceEvent `json:"events"`
	}{events})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 100)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	events, err := s.attendance.ListSecurityEvents(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []types.SecurityEvent{}
	}
	respond(w, r, http.StatusOK, struct {
		Events []types.SecurityEvent `json:"events"`
	}{events})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 100)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	list, err := s.chain.ListViolations(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	open, err := s.chain.OpenViolations(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []types.ChainViolation{}
	}
	respond(w, r, http.StatusOK, struct {
		Halted     bool                   `json:"halted"`
		Violations []types.ChainViolation `json:"violations"`
	}{len(open) > 0, list})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Actor      string `json:"actor"`
}

func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "sequenceID"), 10, 64)
	if err != nil || seq <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_sequence_id", "sequence_id must be a positive integer")
		return
	}
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	res, err := service.ParseResolution(req.Resolution)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	rep, err := s.pipeline.ResolveChainBreak(r.Context(), seq, res, actorFrom(r, req.Actor))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}
