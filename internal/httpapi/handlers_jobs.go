package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// handleJob runs one background job inline and returns its report.  The
// same jobs run on their own timers in timeclockd.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job := chi.URLParam(r, "job")

	var (
		out any
		err error
	)
	switch job {
	case "process-ledger":
		out, err = s.pipeline.RunOnce(ctx)
	case "check-device-health":
		out, err = s.monitor.Check(ctx, s.now())
	case "cleanup-dedup":
		out, err = s.cleaner.Cleanup(ctx, s.now())
	case "expire-badges":
		var expired []types.Badge
		expired, err = s.badges.Expire(ctx)
		if expired == nil {
			expired = []types.Badge{}
		}
		out = struct {
			Expired []types.Badge `json:"expired"`
		}{expired}
	default:
		writeError(w, r, http.StatusNotFound, "unknown_job", "unknown job "+job)
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.WithField("job", job).Info("job triggered over http")
	respond(w, r, http.StatusOK, out)
}
