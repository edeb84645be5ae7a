package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/org/capsulevault/internal/capsule"
	"github.com/org/capsulevault/internal/crypto"
	"github.com/org/capsulevault/internal/gate"
	"github.com/org/capsulevault/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	JWTSecret   string
}

// Server is the API server.
type Server struct {
	store    storage.Backend
	capsules *capsule.Service
	gate     *gate.Gate
	auth     *authVerifier
	validate *validator.Validate
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, cipher *crypto.Cipher, cfg Config) *Server {
	return &Server{
		store:    store,
		capsules: capsule.NewService(store, cipher),
		gate:     gate.New(store, cipher),
		auth:     newAuthVerifier(cfg.JWTSecret),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(accessLogMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	r.Get("/v1/sys/health", s.HealthHandler)

	// Share-link routes: anonymous callers allowed, owner detected when a
	// valid token is present.
	r.Group(func(r chi.Router) {
		r.Use(s.optionalAuth)

		r.Get("/v1/capsules/{id}", s.CapsuleGetHandler)
		r.Post("/v1/capsules/{id}/unlock", s.CapsuleUnlockHandler)
		r.Post("/v1/capsules/verify", s.CapsuleVerifyHandler)
	})

	// Owner-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/v1/capsules", s.CapsuleCreateHandler)
		r.Get("/v1/capsules", s.CapsuleListHandler)
		r.Get("/v1/capsules/upcoming", s.CapsuleUpcomingHandler)
		r.Put("/v1/capsules/{id}", s.CapsuleUpdateHandler)
		r.Delete("/v1/capsules/{id}", s.CapsuleDeleteHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
