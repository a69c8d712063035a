// Package api exposes the account-linking REST surface: institution
// listings, connection management, and the interactive login/MFA flow.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/institutions"
	"github.com/pelleum/account-connections/internal/middleware"
	"github.com/pelleum/account-connections/internal/monitoring"
)

// Detail strings shared across handlers. Clients match on them, so
// they are part of the API contract.
const (
	detailBadRequest         = "The request was not valid."
	detailInternalError      = "There was an internal server error."
	detailUnknownInstitution = "The supplied resource ID is invalid."
)

// ConnectionStore is the institution and connection persistence the
// handlers need.
type ConnectionStore interface {
	ListInstitutions(ctx context.Context) ([]database.Institution, error)
	RetrieveConnection(ctx context.Context, filter database.ConnectionFilter) (*database.Connection, error)
	ListConnections(ctx context.Context, filter database.ConnectionListFilter, opts database.ListOptions) ([]database.ConnectionWithInstitution, error)
	DeleteConnection(ctx context.Context, connectionID int64) error
}

// AssetStore removes the assets tied to a deleted connection.
type AssetStore interface {
	DeleteConnectionAssets(ctx context.Context, userID int64, institutionID string) error
}

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server routes the REST API.
type Server struct {
	connections  ConnectionStore
	assets       AssetStore
	users        middleware.UserStore
	registry     *institutions.Registry
	db           Pinger
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	gatherer     prometheus.Gatherer
	jwtSecret    string
	jwtAlgorithm string
}

// ServerParams wires a Server. All fields are required.
type ServerParams struct {
	Connections  ConnectionStore
	Assets       AssetStore
	Users        middleware.UserStore
	Registry     *institutions.Registry
	DB           Pinger
	Logger       *zap.Logger
	Metrics      *monitoring.Metrics
	Gatherer     prometheus.Gatherer
	JWTSecret    string
	JWTAlgorithm string
}

func NewServer(params ServerParams) *Server {
	return &Server{
		connections:  params.Connections,
		assets:       params.Assets,
		users:        params.Users,
		registry:     params.Registry,
		db:           params.DB,
		logger:       params.Logger,
		metrics:      params.Metrics,
		gatherer:     params.Gatherer,
		jwtSecret:    params.JWTSecret,
		jwtAlgorithm: params.JWTAlgorithm,
	}
}

// Router assembles the full route table. Institution routes sit behind
// the JWT auth middleware; health and metrics stay open.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.RequestLogger(s.logger, s.metrics))

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	authed := r.PathPrefix("/institutions").Subrouter()
	authed.Use(middleware.Auth(s.users, s.jwtSecret, s.jwtAlgorithm))
	authed.HandleFunc("", s.handleListInstitutions).Methods("GET")
	authed.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	authed.HandleFunc("/{institution_id}", s.handleDeleteConnection).Methods("DELETE")
	authed.HandleFunc("/login/{institution_id}", s.handleLogin).Methods("POST")
	authed.HandleFunc("/login/{institution_id}/verify", s.handleVerifyLogin).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
