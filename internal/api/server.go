package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/config"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
	"github.com/JakeFAU/postharvest/internal/quota"
	"github.com/JakeFAU/postharvest/internal/scheduler"
)

// Ledger is the quota view exposed to operators.
type Ledger interface {
	Status() quota.Snapshot
	Reset()
}

// Credentials reports the rotation state of the credential pool.
type Credentials interface {
	Current() harvest.Credential
	ActiveIndex() int
	Size() int
}

// Penalties reports the invoker's per-category backoff counters.
type Penalties interface {
	Penalties() map[string]int
}

// Jobs is the scheduler surface used by the API.
type Jobs interface {
	Trigger(name string) (bool, error)
	Stats() []scheduler.JobStats
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Deps are the components the API reads from.
type Deps struct {
	Ledger      Ledger
	Credentials Credentials
	Penalties   Penalties
	Jobs        Jobs
	Ready       ReadyFunc
}

// Server wires HTTP handlers to the harvester components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// CredentialStatus describes the credential pool without secrets.
type CredentialStatus struct {
	Active      string `json:"active"`
	ActiveIndex int    `json:"active_index"`
	PoolSize    int    `json:"pool_size"`
}

// StatusResponse is the payload of GET /v1/status.
type StatusResponse struct {
	Quota       quota.Snapshot       `json:"quota"`
	Credentials CredentialStatus     `json:"credentials"`
	Penalties   map[string]int       `json:"penalties"`
	Jobs        []scheduler.JobStats `json:"jobs"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/quota/reset", s.resetQuota)
		r.Post("/strategies/{name}/trigger", s.trigger)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Penalties: map[string]int{}, Jobs: []scheduler.JobStats{}}
	if s.deps.Ledger != nil {
		resp.Quota = s.deps.Ledger.Status()
	}
	if c := s.deps.Credentials; c != nil {
		resp.Credentials = CredentialStatus{
			Active:      c.Current().Label(),
			ActiveIndex: c.ActiveIndex(),
			PoolSize:    c.Size(),
		}
	}
	if s.deps.Penalties != nil {
		resp.Penalties = s.deps.Penalties.Penalties()
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resetQuota(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "quota ledger unavailable")
		return
	}
	s.deps.Ledger.Reset()
	s.logger.Warn("quota windows reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	fired, err := s.deps.Jobs.Trigger(name)
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !fired {
		writeJSON(w, http.StatusConflict, map[string]string{"strategy": name, "status": "skipped", "reason": "previous run still active"})
		return
	}
	s.logger.Info("strategy triggered", zap.String("strategy", name))
	writeJSON(w, http.StatusAccepted, map[string]string{"strategy": name, "status": "triggered"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
