// Command fitsad runs the virtual fitting server: the try-on pipeline, the
// credit ledger, Stripe checkout, saved fits and the luxury hall catalog.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v79"

	"github.com/fitsa/fitsa-server/internal/catalog"
	"github.com/fitsa/fitsa-server/internal/config"
	"github.com/fitsa/fitsa-server/internal/credits"
	creditspostgres "github.com/fitsa/fitsa-server/internal/credits/postgres"
	creditssqlite "github.com/fitsa/fitsa-server/internal/credits/sqlite"
	"github.com/fitsa/fitsa-server/internal/health"
	"github.com/fitsa/fitsa-server/internal/httpserver"
	"github.com/fitsa/fitsa-server/internal/identity"
	"github.com/fitsa/fitsa-server/internal/logging"
	"github.com/fitsa/fitsa-server/internal/payments"
	"github.com/fitsa/fitsa-server/internal/provider"
	"github.com/fitsa/fitsa-server/internal/provider/chain"
	providergemini "github.com/fitsa/fitsa-server/internal/provider/gemini"
	provideropenai "github.com/fitsa/fitsa-server/internal/provider/openai"
	providerreplicate "github.com/fitsa/fitsa-server/internal/provider/replicate"
	"github.com/fitsa/fitsa-server/internal/ratelimit"
	"github.com/fitsa/fitsa-server/internal/savedfits"
	"github.com/fitsa/fitsa-server/internal/version"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[fitsad] ")
		defer rot.Close()
	}

	ctx := context.Background()

	creditStore, err := openCreditStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open credit store: %v", err)
	}
	defer creditStore.Close()

	tryOn, bgRemover, err := buildProviderChain(cfg)
	if err != nil {
		log.Fatalf("build provider chain: %v", err)
	}

	var paymentService *payments.Service
	if cfg.StripeSecretKey != "" {
		paymentService, err = payments.New(payments.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Store:         creditStore,
			Logger:        log.New(log.Writer(), "[payments] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			log.Fatalf("init payments: %v", err)
		}
		if cfg.StripeWebhookSecret == "" {
			log.Printf("stripe webhook secret not set; webhook signatures are not verified")
		}
	} else if cfg.SimulatePurchases {
		// Dev mode without Stripe keys still needs a payments service so the
		// simulate endpoint can grant credits.
		paymentService, err = payments.New(payments.Config{
			Store:  creditStore,
			Client: unavailableCheckout{},
			Logger: log.New(log.Writer(), "[payments] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			log.Fatalf("init payments: %v", err)
		}
		log.Printf("stripe not configured; purchases available through simulate endpoint only")
	} else {
		log.Printf("stripe not configured; payment endpoints disabled")
	}

	fits, err := savedfits.Open(cfg.SavedFitsPath)
	if err != nil {
		log.Fatalf("open saved fits store: %v", err)
	}
	defer fits.Close()

	var brandCatalog *catalog.Catalog
	if cfg.CatalogPath != "" {
		brandCatalog, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			log.Printf("catalog unavailable (%v); luxury hall endpoints disabled", err)
			brandCatalog = nil
		}
	}

	rateLimiter, err := buildRateLimiter(cfg)
	if err != nil {
		log.Fatalf("init rate limiter: %v", err)
	}

	checker := buildHealthChecker(cfg, creditStore, fits)

	srv := httpserver.New(httpserver.Config{
		Credits:           creditStore,
		Provider:          tryOn,
		BGRemover:         bgRemover,
		Payments:          paymentService,
		Fits:              fits,
		Catalog:           brandCatalog,
		RateLimit:         rateLimiter,
		Health:            checker,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		PublicBaseURL:     cfg.PublicBaseURL,
		SimulatePurchases: cfg.SimulatePurchases,
		Logger:            log.New(log.Writer(), "[fitsad/http] ", log.LstdFlags|log.Lmicroseconds),
	})

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: 30 * time.Second,
		// Generation can legitimately take minutes; the write timeout must
		// outlast the slowest provider plus its retries.
		WriteTimeout: cfg.ProviderTimeout + 60*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("fitsad %s", version.FullInfo())
		log.Printf("fitting server listening on %s (env=%s)", cfg.ListenAddr, cfg.Environment)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// unavailableCheckout backs the payments service when Stripe credentials are
// absent. Real checkout calls fail; only the simulate path works.
type unavailableCheckout struct{}

func (unavailableCheckout) CreateSession(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return nil, errors.New("stripe is not configured")
}

func (unavailableCheckout) RetrieveSession(string) (*stripe.CheckoutSession, error) {
	return nil, errors.New("stripe is not configured")
}

// openCreditStore selects the ledger backend from the DSN: postgres:// URLs
// use Postgres, everything else is a SQLite file path.
func openCreditStore(ctx context.Context, cfg config.ServerConfig) (credits.Store, error) {
	if cfg.UsesPostgres() {
		return creditspostgres.Open(ctx, cfg.CreditsDSN)
	}
	return creditssqlite.New(cfg.CreditsDSN)
}

// buildProviderChain assembles the try-on fallback chain from whichever
// backends have credentials: Gemini first, then Replicate, then OpenAI.
// Replicate doubles as the background remover when configured.
func buildProviderChain(cfg config.ServerConfig) (provider.Provider, httpserver.BackgroundRemover, error) {
	var providers []provider.Provider
	var bgRemover httpserver.BackgroundRemover

	if cfg.GeminiAPIKey != "" {
		p, err := providergemini.New(providergemini.Config{
			APIKey:         cfg.GeminiAPIKey,
			BaseURL:        cfg.GeminiBaseURL,
			Model:          cfg.GeminiModel,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}

	if cfg.ReplicateAPIToken != "" {
		p, err := providerreplicate.New(providerreplicate.Config{
			APIToken:       cfg.ReplicateAPIToken,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
		bgRemover = p
	}

	if cfg.OpenAIAPIKey != "" {
		p, err := provideropenai.New(provideropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}

	tryOn, err := chain.New(chain.Config{
		Providers: providers,
		Logger:    log.New(log.Writer(), "[chain] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	log.Printf("try-on providers: %s", strings.Join(names, " -> "))
	return tryOn, bgRemover, nil
}

// buildHealthChecker registers every dependency the server can probe: both
// databases plus the base URL of each configured provider.
func buildHealthChecker(cfg config.ServerConfig, creditStore credits.Store, fits *savedfits.Store) *health.Checker {
	databases := map[string]health.Pinger{"saved_fits_db": fits}
	if p, ok := creditStore.(health.Pinger); ok {
		databases["credits_db"] = p
	}

	endpoints := map[string]string{}
	if cfg.GeminiAPIKey != "" {
		endpoints["gemini_api"] = orDefault(cfg.GeminiBaseURL, "https://generativelanguage.googleapis.com")
	}
	if cfg.ReplicateAPIToken != "" {
		endpoints["replicate_api"] = "https://api.replicate.com"
	}
	if cfg.OpenAIAPIKey != "" {
		endpoints["openai_api"] = orDefault(cfg.OpenAIBaseURL, "https://api.openai.com/v1")
	}

	return health.New(health.Config{Databases: databases, Endpoints: endpoints})
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

// buildRateLimiter wires the per-user limiter: a shared Redis store when an
// address is configured, an in-process store otherwise.
func buildRateLimiter(cfg config.ServerConfig) (*ratelimit.Middleware, error) {
	var store ratelimit.Store
	if cfg.RedisAddr != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		store = redisStore
		log.Printf("rate limiter using redis at %s", cfg.RedisAddr)
	} else {
		store = ratelimit.NewMemoryStoreWithCleanup(5 * time.Minute)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:             store,
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
	})
	keyFor := func(r *http.Request) string {
		return identity.FromRequest(r).UserKey()
	}
	logger := log.New(log.Writer(), "[ratelimit] ", log.LstdFlags|log.Lmicroseconds)
	return ratelimit.NewMiddleware(limiter, keyFor, cfg.RateLimitPerMinute > 0, logger), nil
}
