// Package server is the mnemo HTTP API: the thin adapter between the wire
// and the record store, ledger, and payment components.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnemo-io/mnemo/internal/crypt"
	"github.com/mnemo-io/mnemo/internal/ledger"
	"github.com/mnemo-io/mnemo/internal/payment"
	"github.com/mnemo-io/mnemo/internal/store"
)

// Server is the mnemo HTTP API server.
type Server struct {
	db       *store.DB
	records  *store.Records
	ledger   *ledger.Ledger
	gate     *ledger.Gate
	payments *payment.Processor

	adminToken string
	log        *slog.Logger
	router     chi.Router
	version    string
	started    time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithAdminToken enables the admin endpoints. With an empty token they
// always deny.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// New creates a Server over an open database and content codec.
func New(db *store.DB, codec *crypt.Codec, version string, opts ...Option) *Server {
	s := &Server{
		db:      db,
		log:     slog.Default(),
		version: version,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.records = store.NewRecords(db, codec, store.WithLogger(s.log))
	s.ledger = ledger.New(db)
	s.gate = ledger.NewGate(s.ledger)
	s.payments = payment.NewProcessor(db, s.ledger)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/", s.handleIndex)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/pricing", s.handlePricing)

		// Paid memory operations
		r.Post("/memories", s.handleStore)
		r.Post("/memories/search", s.handleSearch)
		r.Get("/memories/{memoryID}", s.handleRetrieve)

		// Free, but still key-gated
		r.Delete("/memories/{memoryID}", s.handleDelete)
		r.Get("/balance", s.handleBalance)

		// Free, no auth
		r.Get("/owners/{ownerID}/stats", s.handleStats)

		// Purchase flow
		r.Post("/checkout", s.handleCheckout)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/keys", s.handleCreateKey)
			r.Post("/reclaim", s.handleReclaim)
			r.Post("/checkout/{sessionID}/complete", s.handleCompleteCheckout)
		})
	})

	s.router = r
}

// handleIndex is the discovery endpoint: a map of the API surface.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "mnemo - persistent memory for AI agents",
		"version": s.version,
		"endpoints": map[string]string{
			"store":    "POST /api/memories",
			"retrieve": "GET /api/memories/{memory_id}",
			"search":   "POST /api/memories/search",
			"delete":   "DELETE /api/memories/{memory_id}",
			"stats":    "GET /api/owners/{owner_id}/stats",
			"balance":  "GET /api/balance",
			"checkout": "POST /api/checkout",
			"pricing":  "GET /api/pricing",
			"health":   "GET /api/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"db":         dbOK,
		"db_path":    s.db.Path,
		"encryption": "active",
	})
}

// requireAdmin guards the admin subtree. An unset token denies everything.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
