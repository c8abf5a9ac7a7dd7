package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.IP == "" {
		req.IP = r.RemoteAddr
	}

	resp, err := s.heartbeats.Record(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	rep, err := s.monitor.Status(r.Context(), s.now())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	// The path names the device; a conflicting body id is an error.
	id := chi.URLParam(r, "deviceID")
	if req.DeviceID != "" && req.DeviceID != id {
		writeError(w, r, http.StatusBadRequest, "invalid_device_id", "device_id in body does not match path")
		return
	}
	req.DeviceID = id

	d, err := s.registry.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, d)
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	d, err := s.registry.SetMaintenance(r.Context(), chi.URLParam(r, "deviceID"), req.Enabled)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, d)
}
