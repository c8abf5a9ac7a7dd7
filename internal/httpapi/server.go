package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
)

type Dependencies struct {
	Logger  logrus.FieldLogger
	Addr    string
	Metrics *metrics.Metrics
	Now     func() time.Time

	HeartbeatService *service.HeartbeatService
	Registry         *service.DeviceRegistry
	Monitor          *service.DeviceMonitor
	Badges           *service.BadgeService
	Pipeline         *service.Pipeline
	Cleaner          *service.DedupCleaner
	Attendance       store.AttendanceStore
	Chain            service.ChainStore
	Hub              *notify.Hub
}

type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	heartbeats *service.HeartbeatService
	registry   *service.DeviceRegistry
	monitor    *service.DeviceMonitor
	badges     *service.BadgeService
	pipeline   *service.Pipeline
	cleaner    *service.DedupCleaner
	attendance store.AttendanceStore
	chain      service.ChainStore
	hub        *notify.Hub
}

func NewServer(d Dependencies) *Server {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Server{
		router:     chi.NewRouter(),
		logger:     d.Logger,
		metrics:    d.Metrics,
		now:        d.Now,
		heartbeats: d.HeartbeatService,
		registry:   d.Registry,
		monitor:    d.Monitor,
		badges:     d.Badges,
		pipeline:   d.Pipeline,
		cleaner:    d.Cleaner,
		attendance: d.Attendance,
		chain:      d.Chain,
		hub:        d.Hub,
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/heartbeat", s.handleHeartbeat)

		r.Get("/devices", s.handleListDevices)
		r.Put("/devices/{deviceID}", s.handleRegisterDevice)
		r.Post("/devices/{deviceID}/maintenance", s.handleMaintenance)

		r.Post("/badges", s.handleIssueBadge)
		r.Post("/badges/replace", s.handleReplaceBadge)
		r.Get("/badges/{cardUID}", s.handleGetBadge)
		r.Get("/badges/{cardUID}/log", s.handleBadgeLog)
		r.Post("/badges/{cardUID}/deactivate", s.handleDeactivateBadge)
		r.Post("/badges/{cardUID}/reactivate", s.handleReactivateBadge)
		r.Get("/employees/{employeeID}/badge", s.handleEmployeeBadge)
		r.Get("/employees/{employeeID}/badges", s.handleEmployeeBadges)

		r.Get("/attendance", s.handleAttendance)
		r.Get("/security-events", s.handleSecurityEvents)

		r.Get("/chain/violations", s.handleListViolations)
		r.Post("/chain/violations/{sequenceID}/resolve", s.handleResolveViolation)

		r.Post("/jobs/{job}", s.handleJob)

		if s.hub != nil {
			r.Get("/stream/notifications", s.hub.ServeHTTP)
		}
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
