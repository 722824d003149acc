package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/middleware"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

// DefaultMaxBodyBytes bounds request bodies when Dependencies.MaxBodyBytes is unset
const DefaultMaxBodyBytes = 1 << 20

// Dependencies are the collaborators of the API server
type Dependencies struct {
	DB            *sql.DB
	Store         *rbac.Store
	Checker       rbac.Checker
	Guard         *tenancy.Guard
	Invitations   *invitations.Service
	Authenticator *middleware.Authenticator

	// PublicLimiter guards the unauthenticated invitation endpoints; nil disables it
	PublicLimiter middleware.Limiter

	// AcceptTokenTTL is the lifetime of the bearer token returned on acceptance.
	// Zero disables issuing one.
	AcceptTokenTTL time.Duration

	MaxBodyBytes int64
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// Server represents our API server
type Server struct {
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger,
	}
	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(deps.Logger),
		httputil.RecoveryMiddleware(deps.Logger),
		httputil.MaxBytesMiddleware(deps.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "porter-api")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))

	// Invitee-facing routes carry no bearer token
	public := s.router.PathPrefix("/v1/public").Subrouter()
	if s.deps.PublicLimiter != nil {
		public.Use(middleware.RateLimit(s.deps.PublicLimiter, s.logger))
	}
	public.HandleFunc("/invitations/{token}", s.resolveInvitation).Methods(http.MethodGet)
	public.HandleFunc("/invitations/{token}/accept", s.acceptInvitation).Methods(http.MethodPost)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.deps.Authenticator.Handler)

	// Roles
	v1.HandleFunc("/roles", s.listRoles).Methods(http.MethodGet)
	v1.HandleFunc("/roles", s.createRole).Methods(http.MethodPost)
	v1.HandleFunc("/roles/{name}", s.getRole).Methods(http.MethodGet)
	v1.HandleFunc("/roles/{name}", s.removeRole).Methods(http.MethodDelete)
	v1.HandleFunc("/roles/{name}/activate", s.activateRole).Methods(http.MethodPost)
	v1.HandleFunc("/roles/{name}/deactivate", s.deactivateRole).Methods(http.MethodPost)
	v1.HandleFunc("/roles/{name}/permissions", s.grantPermission).Methods(http.MethodPost)
	v1.HandleFunc("/roles/{name}/permissions/{category}/{resource}/{action}", s.revokePermission).Methods(http.MethodDelete)

	// Assignments
	v1.HandleFunc("/assignments", s.assignRole).Methods(http.MethodPost)
	v1.HandleFunc("/assignments/revoke", s.revokeRole).Methods(http.MethodPost)
	v1.HandleFunc("/actors/{type}/{id}/assignments", s.listAssignments).Methods(http.MethodGet)

	// Decisions
	v1.HandleFunc("/me/grants", s.myGrants).Methods(http.MethodGet)
	v1.HandleFunc("/authz/check", s.checkPermission).Methods(http.MethodPost)

	// Invitations
	v1.HandleFunc("/invitations", s.createInvitation).Methods(http.MethodPost)
	v1.HandleFunc("/invitations", s.listInvitations).Methods(http.MethodGet)
	v1.HandleFunc("/invitations/{id}", s.getInvitation).Methods(http.MethodGet)
	v1.HandleFunc("/invitations/{id}/dispatch", s.dispatchInvitation).Methods(http.MethodPost)
	v1.HandleFunc("/invitations/{id}/cancel", s.cancelInvitation).Methods(http.MethodPost)

	// Audit
	v1.HandleFunc("/audit", s.listAudit).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table, mainly for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// actor returns the authenticated caller or writes a 401
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (rbac.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
	}
	return actor, ok
}
