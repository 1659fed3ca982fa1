// Package httpserver exposes the REST API: virtual fitting, credit status,
// Stripe checkout, saved fits and the luxury hall catalog.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fitsa/fitsa-server/internal/catalog"
	"github.com/fitsa/fitsa-server/internal/credits"
	"github.com/fitsa/fitsa-server/internal/health"
	"github.com/fitsa/fitsa-server/internal/payments"
	"github.com/fitsa/fitsa-server/internal/provider"
	"github.com/fitsa/fitsa-server/internal/ratelimit"
	"github.com/fitsa/fitsa-server/internal/savedfits"
	"github.com/fitsa/fitsa-server/internal/version"
)

// BackgroundRemover strips the background from a garment photo. Optional;
// when absent the removeBackground flag is ignored.
type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, image []byte) ([]byte, error)
}

// Server exposes REST endpoints for the fitting service.
type Server struct {
	credits   credits.Store
	provider  provider.Provider
	bgRemover BackgroundRemover
	payments  *payments.Service
	fits      *savedfits.Store
	catalog   *catalog.Catalog
	rateLimit *ratelimit.Middleware
	health    *health.Checker

	allowedOrigins    []string
	publicBaseURL     string
	simulatePurchases bool

	logger *log.Logger
}

// Config holds the server's dependencies. Credits and Provider are
// mandatory; everything else degrades gracefully when absent.
type Config struct {
	Credits   credits.Store
	Provider  provider.Provider
	BGRemover BackgroundRemover
	Payments  *payments.Service
	Fits      *savedfits.Store
	Catalog   *catalog.Catalog
	RateLimit *ratelimit.Middleware
	// Health enables dependency probing on the health endpoint.
	Health *health.Checker

	// AllowedOrigins is the CORS allowlist; empty allows every origin.
	AllowedOrigins []string
	// PublicBaseURL overrides per-request origin derivation for Stripe
	// redirect URLs.
	PublicBaseURL string
	// SimulatePurchases exposes the dev-only purchase endpoint.
	SimulatePurchases bool

	Logger *log.Logger
}

// New constructs a Server with the given dependencies.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[fitsad/http] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		credits:           cfg.Credits,
		provider:          cfg.Provider,
		bgRemover:         cfg.BGRemover,
		payments:          cfg.Payments,
		fits:              cfg.Fits,
		catalog:           cfg.Catalog,
		rateLimit:         cfg.RateLimit,
		health:            cfg.Health,
		allowedOrigins:    cfg.AllowedOrigins,
		publicBaseURL:     cfg.PublicBaseURL,
		simulatePurchases: cfg.SimulatePurchases,
		logger:            logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "Stripe-Signature"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/credits/status", s.handleCreditsStatus)

		api.Group(func(limited chi.Router) {
			if s.rateLimit != nil {
				limited.Use(s.rateLimit.Wrap)
			}
			limited.Post("/virtual-fitting", s.handleVirtualFitting)
		})

		api.Route("/stripe", func(st chi.Router) {
			st.Post("/create-checkout-session", s.handleCreateCheckoutSession)
			st.Post("/webhook", s.handleStripeWebhook)
			st.Get("/user-status", s.handleCreditsStatus)
			st.Post("/complete-purchase", s.handleCompletePurchase)
			if s.simulatePurchases {
				st.Post("/simulate-purchase", s.handleSimulatePurchase)
			}
		})

		if s.fits != nil {
			api.Route("/fits", func(f chi.Router) {
				f.Post("/", s.handleSaveFit)
				f.Get("/", s.handleListFits)
				f.Get("/{id}", s.handleGetFit)
				f.Delete("/{id}", s.handleDeleteFit)
			})
		}

		if s.catalog != nil {
			api.Route("/catalog", func(c chi.Router) {
				c.Get("/brands", s.handleListBrands)
				c.Get("/brands/{id}", s.handleGetBrand)
				c.Get("/brands/{id}/items", s.handleBrandItems)
			})
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Info()})
		return
	}
	overall := s.health.Check(r.Context())
	code := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     overall.Status,
		"version":    version.Info(),
		"timestamp":  overall.Timestamp,
		"components": overall.Components,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
