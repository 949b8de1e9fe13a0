// Package diag serves the loopback diagnostics endpoints: readiness,
// metrics, and queue statistics. Nothing here is rendered to users; the
// collaborating UI reads the readiness signal and presents it.
package diag

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/outbox"
	"github.com/darbyhtml/proficrm-sub003/internal/registry"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
	"github.com/darbyhtml/proficrm-sub003/pkg/middleware"
)

// Burster lets local user activity request burst polling
type Burster interface {
	RequestBurst()
}

// Scanner lets the platform bridge signal new call-log records
type Scanner interface {
	RequestScan()
}

// Server is the diagnostics HTTP server
type Server struct {
	readiness *health.Readiness
	metrics   *metrics.Metrics
	queue     *outbox.Queue
	registry  *registry.Registry
	burster   Burster
	scanner   Scanner
	logger    zerolog.Logger
}

func NewServer(r *health.Readiness, m *metrics.Metrics, q *outbox.Queue, reg *registry.Registry,
	burster Burster, scanner Scanner, logger zerolog.Logger) *Server {
	return &Server{
		readiness: r,
		metrics:   m,
		queue:     q,
		registry:  reg,
		burster:   burster,
		scanner:   scanner,
		logger:    logger,
	}
}

// Router builds the chi router for the diagnostics listener
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler())
	r.Get("/debug/queue", s.handleQueueStats)

	// Signals from the platform bridge.
	r.Post("/signal/scan", s.handleScanSignal)
	r.Post("/signal/activity", s.handleActivity)
	r.Post("/signal/call", s.handleLocalCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.readiness.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !status.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats["pending_calls"] = s.registry.Size()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleScanSignal enqueues a scan request; the bridge calls this when the
// platform reports new call-log rows.
func (s *Server) handleScanSignal(w http.ResponseWriter, r *http.Request) {
	s.scanner.RequestScan()
	w.WriteHeader(http.StatusAccepted)
}

// handleActivity requests burst polling after local user activity
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.burster.RequestBurst()
	w.WriteHeader(http.StatusAccepted)
}

// localCallRequest registers a call initiated on the device itself
type localCallRequest struct {
	PhoneNumber  string `json:"phoneNumber"`
	ActionSource string `json:"actionSource"`
}

func (s *Server) handleLocalCall(w http.ResponseWriter, r *http.Request) {
	var req localCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	source := types.ParseActionSource(req.ActionSource)
	if source == types.ActionSourceUnknown {
		source = types.ActionSourceManualDial
	}

	id, err := s.registry.AddLocal(r.Context(), req.PhoneNumber, source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.scanner.RequestScan()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"requestId": id})
}
