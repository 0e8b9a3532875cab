// Package api provides the router's operational HTTP surface: health,
// Prometheus metrics, ABAC policy administration, and subsystem
// introspection. The client-facing protocol surface lives elsewhere.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atp-network/atp-router/internal/infra/fragment"
	"github.com/atp-network/atp-router/internal/infra/logging"
	"github.com/atp-network/atp-router/internal/infra/policy"
	"github.com/atp-network/atp-router/internal/infra/sched"
)

// Deps are the subsystems the ops server exposes.
type Deps struct {
	InstanceID  string
	Policy      *policy.Engine
	Scheduler   *sched.FairScheduler
	Reassembler *fragment.Reassembler
	Logger      logging.Logger
}

// Server is the ops HTTP server.
type Server struct {
	deps           Deps
	metricsEnabled bool
}

// NewServer creates an ops server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Std()
	}
	return &Server{deps: deps}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"instance_id": s.deps.InstanceID,
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/policies", s.handleListPolicies)
		r.Post("/policies", s.handleAddPolicy)
		r.Delete("/policies/{id}", s.handleRemovePolicy)
		r.Post("/policies/{id}/enable", s.handleSetEnabled(true))
		r.Post("/policies/{id}/disable", s.handleSetEnabled(false))
		r.Post("/policies/evaluate", s.handleEvaluate)

		r.Get("/scheduler/stats", s.handleSchedulerStats)
		r.Get("/reassembly/stats", s.handleReassemblyStats)
	})

	return r
}

// ─── Policy Administration ──────────────────────────────────────────────────

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Policy.ListPolicies())
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.ABACPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy JSON: "+err.Error())
		return
	}
	if p.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "policy_id is required")
		return
	}
	s.deps.Policy.AddPolicy(&p)
	writeJSON(w, http.StatusCreated, map[string]string{"policy_id": p.PolicyID})
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Policy.RemovePolicy(id) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.deps.Policy.SetEnabled(id, enabled) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policy_id": id, "enabled": enabled})
	}
}

// evaluateRequest is the JSON body for ad-hoc policy evaluation.
type evaluateRequest struct {
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id"`
	Roles       []string       `json:"roles"`
	Groups      []string       `json:"groups"`
	Attributes  map[string]any `json:"attributes"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Environment map[string]any `json:"environment"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request JSON: "+err.Error())
		return
	}
	decision := s.deps.Policy.EvaluateABAC(r.Context(), policy.Context{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Roles:       req.Roles,
		Groups:      req.Groups,
		Attributes:  req.Attributes,
		Resource:    req.Resource,
		Action:      req.Action,
		Environment: req.Environment,
	})
	writeJSON(w, http.StatusOK, decision)
}

// ─── Introspection ──────────────────────────────────────────────────────────

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not wired")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) handleReassemblyStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reassembler == nil {
		writeError(w, http.StatusServiceUnavailable, "reassembler not wired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"pending_messages": s.deps.Reassembler.PendingMessages(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
