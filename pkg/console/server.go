// Package console serves the permengine HTTP API: access decisions for the
// application, security events and evidence exports for the security
// dashboard, and the provisioning and approval workflow for approvers.
package console

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/approval"
	"github.com/Mindburn-Labs/permengine/pkg/artifacts"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/auth"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/observability"
	"github.com/Mindburn-Labs/permengine/pkg/pep"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
)

// Config wires the server to its collaborators. Enforcer and Policies are
// required; every other collaborator disables its endpoints when nil.
type Config struct {
	Enforcer *pep.Enforcer
	Policies *policystore.Store
	Tracker  *approval.Tracker
	// Events is the queryable event store behind /v1/events and exports.
	Events   audit.Querier
	Evidence artifacts.Store
	SLO      *observability.SLOTracker

	Metrics  *api.Metrics
	Gatherer prometheus.Gatherer

	// Validator authenticates the provisioning and approval endpoints. A nil
	// validator rejects every call to them.
	Validator   *auth.JWTValidator
	RateLimit   float64
	Burst       int
	CORSOrigins []string

	Logger *slog.Logger
	Clock  func() time.Time
}

// Server is the HTTP API.
type Server struct {
	cfg      Config
	exporter *audit.Exporter
	limiter  *api.GlobalRateLimiter
	logger   *slog.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{cfg: cfg, logger: cfg.Logger.With("component", "console")}
	if cfg.Events != nil {
		s.exporter = audit.NewExporter(cfg.Events).WithClock(cfg.Clock)
	}
	if cfg.RateLimit > 0 {
		s.limiter = api.NewGlobalRateLimiter(cfg.RateLimit, cfg.Burst)
	}
	return s
}

// Close stops background work started by New.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(api.RequestID)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware)
	}
	r.Use(api.AccessLog(s.logger))
	r.Use(auth.CORSMiddleware(s.cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteErrorR(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/decisions", s.handleDecide)
		r.Get("/policy", s.handlePolicy)
		r.Get("/slo", s.handleSLO)

		r.Get("/events", s.handleEvents)
		r.Get("/users/{id}/risk-history", s.handleRiskHistory)
		r.Post("/exports", s.handleExport)
		r.Get("/exports/{hash}", s.handleGetExport)

		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.cfg.Validator))
			r.Post("/provisioning", s.handleOpenProvisioning)
			r.Get("/approvals/{id}", s.handleGetChain)
			r.Post("/approvals/{id}/approve", s.handleApprove)
			r.Post("/approvals/{id}/reject", s.handleReject)
			r.Post("/approvals/{id}/withdraw", s.handleWithdraw)
		})
	})
	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	PolicyVersion string `json:"policy_version,omitempty"`
	PolicyHash    string `json:"policy_hash,omitempty"`
}

// handleHealth reports unavailable until a policy snapshot is published,
// since every decision is denied before then.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Policies.Current()
	if snap == nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "no_policy"})
		return
	}
	api.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", PolicyVersion: snap.Version, PolicyHash: snap.Hash})
}

type policyResponse struct {
	Version  string    `json:"version"`
	Hash     string    `json:"hash"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Policies.Current()
	if snap == nil {
		api.WriteUnavailable(w, "no policy snapshot is loaded")
		return
	}
	api.WriteJSON(w, http.StatusOK, policyResponse{Version: snap.Version, Hash: snap.Hash, LoadedAt: snap.LoadedAt})
}

type decideRequest struct {
	Request contracts.AccessRequest `json:"request"`
	Payload map[string]any          `json:"payload,omitempty"`
}

type decideResponse struct {
	Decision *contracts.Decision      `json:"decision"`
	Event    *contracts.SecurityEvent `json:"event,omitempty"`
}

// handleDecide answers 200 for every decided request, denials included.
// The outcome is in the body.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decideRequest
	if !api.DecodeJSON(w, r, &body) {
		return
	}
	if body.Request.Principal.UserID == "" || body.Request.Resource.PanelID == "" || body.Request.Action.Name == "" {
		api.WriteBadRequest(w, "request.principal.user_id, request.resource.panel_id and request.action.name are required")
		return
	}
	if body.Request.ID == "" {
		body.Request.ID = api.GetRequestID(r.Context())
	}

	res := s.cfg.Enforcer.Enforce(r.Context(), body.Request, body.Payload)
	s.cfg.Metrics.ObserveDecision(res.Decision)
	api.WriteJSON(w, http.StatusOK, decideResponse{Decision: res.Decision, Event: res.Event})
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.SLO == nil {
		api.WriteUnavailable(w, "SLO tracking is not enabled")
		return
	}
	status, err := s.cfg.SLO.Status(observability.OperationDecide)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, status)
}
