// Package api exposes the access-control engine over HTTP: protected object
// routes, grant and override management, project team assignment, and audit
// search.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/grants"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/observability"
	"github.com/luminbio/labd/pkg/overrides"
	"github.com/luminbio/labd/pkg/projects"
	"github.com/luminbio/labd/pkg/resources"
)

// AuditSearcher serves the admin audit query endpoint
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Entry, error)
}

// Server is the API server. All collaborators are injected; nil optional
// ones (limiter, metrics) disable the corresponding behavior.
type Server struct {
	router    *mux.Router
	engine    *authz.Engine
	guard     *middleware.AccessGuard
	grants    *grants.Store
	overrides *overrides.Store
	teams     *projects.Store
	resources *resources.Directory
	auditor   audit.Logger
	searcher  AuditSearcher
	limiter   *middleware.DenialRateLimiter
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// ServerConfig holds the server's collaborators
type ServerConfig struct {
	Engine    *authz.Engine
	Guard     *middleware.AccessGuard
	Grants    *grants.Store
	Overrides *overrides.Store
	Teams     *projects.Store
	Resources *resources.Directory
	Auditor   audit.Logger
	Searcher  AuditSearcher
	Limiter   *middleware.DenialRateLimiter
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// NewServer creates the API server and wires its routes
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    cfg.Engine,
		guard:     cfg.Guard,
		grants:    cfg.Grants,
		overrides: cfg.Overrides,
		teams:     cfg.Teams,
		resources: cfg.Resources,
		auditor:   cfg.Auditor,
		searcher:  cfg.Searcher,
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if s.auditor == nil {
		s.auditor = audit.NewNoOpLogger()
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware)
	if s.logger != nil {
		s.router.Use(httputil.LoggingMiddleware(s.logger))
		s.router.Use(httputil.RecoveryMiddleware(s.logger))
	}
	s.router.Use(s.auditContextMiddleware)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.PrincipalMiddleware)
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}

	// Resource registry
	api.HandleFunc("/resources", s.registerResource).Methods("POST")

	// Project-scoped decision checks, callable by sibling services
	api.HandleFunc("/access/check", s.checkAccess).Methods("POST")

	// Team assignment
	api.HandleFunc("/projects/{projectId}/team", s.assignTeamMember).Methods("POST")
	api.HandleFunc("/projects/{projectId}/team", s.listTeam).Methods("GET")
	api.HandleFunc("/projects/{projectId}/team/{userId}", s.getTeamMember).Methods("GET")
	api.HandleFunc("/projects/{projectId}/team/{userId}", s.removeTeamMember).Methods("DELETE")

	// Grant revocation is by id, not by object, so it sits outside the
	// object guard; the handler checks ownership itself.
	api.HandleFunc("/grants/{grantId}", s.revokeGrant).Methods("DELETE")

	// Audit search
	api.HandleFunc("/audit", s.searchAudit).Methods("GET")

	// Object routes behind the access guard. These come after the literal
	// routes above so /projects, /grants and /audit are never captured by
	// the {type} variable.
	guarded := s.guard.RequireObjectAccess("")
	api.Handle("/{type}/{id}", guarded(http.HandlerFunc(s.getObject))).Methods("GET")
	api.Handle("/{type}/{id}/grants", guarded(http.HandlerFunc(s.listGrants))).Methods("GET")
	api.Handle("/{type}/{id}/grants",
		guarded(s.guard.RequireResharePermission(http.HandlerFunc(s.createGrant)))).Methods("POST")
	api.Handle("/{type}/{id}/shares", guarded(http.HandlerFunc(s.listShares))).Methods("GET")
	api.Handle("/{type}/{id}/shares",
		guarded(s.guard.RequireResharePermission(http.HandlerFunc(s.createShare)))).Methods("POST")
	api.Handle("/{type}/{id}/shares/{userId}",
		guarded(s.guard.RequireResharePermission(http.HandlerFunc(s.revokeShare)))).Methods("DELETE")
}

// auditContextMiddleware makes the server's audit logger reachable from any
// point below via the request context
func (s *Server) auditContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithLogger(r.Context(), s.auditor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying mux for additional registrations
func (s *Server) Router() *mux.Router {
	return s.router
}
