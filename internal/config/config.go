// Package config loads server configuration from layered INI files with
// environment-variable overrides. config/setting.ini selects the environment
// and holds shared defaults; config/<env>/fitsa.ini layers environment
// values on top; FITSA_* variables override both.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/fitsa.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the fitting server.
type ServerConfig struct {
	Environment string
	ListenAddr  string
	// PublicBaseURL is the externally visible origin, used for Stripe
	// redirect URLs. Empty means derive it from each request's Host.
	PublicBaseURL string
	// CORSAllowedOrigins is the browser origin allowlist; empty allows all.
	CORSAllowedOrigins []string
	LogFile            string

	// CreditsDSN selects the ledger backend: a postgres:// URL uses
	// Postgres, anything else is treated as a SQLite file path.
	CreditsDSN    string
	SavedFitsPath string
	CatalogPath   string

	// Try-on provider credentials. A provider with no key is left out of
	// the chain; at least one must be configured.
	GeminiAPIKey      string
	GeminiBaseURL     string
	GeminiModel       string
	ReplicateAPIToken string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	ProviderTimeout   time.Duration

	// Stripe credentials. SimulatePurchases enables the dev-only endpoint
	// that grants credits without a real checkout.
	StripeSecretKey     string
	StripeWebhookSecret string
	SimulatePurchases   bool

	// Request rate limiting, keyed by user key.
	RateLimitPerMinute int
	RateLimitBurst     int
	// RedisAddr switches the rate limiter to a shared Redis store when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads the current environment and assembles the server config.
func Load(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:         s.Environment,
		ListenAddr:          firstNonEmpty(os.Getenv("FITSA_LISTEN_ADDR"), merged["listen_addr"], ":5000"),
		PublicBaseURL:       firstNonEmpty(os.Getenv("FITSA_PUBLIC_BASE_URL"), merged["public_base_url"]),
		CORSAllowedOrigins:  parseCSV(firstNonEmpty(os.Getenv("FITSA_CORS_ALLOWED_ORIGINS"), merged["cors_allowed_origins"])),
		LogFile:             firstNonEmpty(os.Getenv("FITSA_LOG_FILE"), merged["log_file"]),
		CreditsDSN:          firstNonEmpty(os.Getenv("FITSA_CREDITS_DSN"), merged["credits_dsn"], "credits.db"),
		SavedFitsPath:       firstNonEmpty(os.Getenv("FITSA_SAVED_FITS_PATH"), merged["saved_fits_path"], "saved_fits.db"),
		CatalogPath:         firstNonEmpty(os.Getenv("FITSA_CATALOG_PATH"), merged["catalog_path"], "config/catalog.yaml"),
		GeminiAPIKey:        firstNonEmpty(os.Getenv("FITSA_GEMINI_API_KEY"), os.Getenv("GEMINI_API_KEY"), merged["gemini_api_key"]),
		GeminiBaseURL:       firstNonEmpty(os.Getenv("FITSA_GEMINI_BASE_URL"), merged["gemini_base_url"]),
		GeminiModel:         firstNonEmpty(os.Getenv("FITSA_GEMINI_MODEL"), merged["gemini_model"]),
		ReplicateAPIToken:   firstNonEmpty(os.Getenv("FITSA_REPLICATE_API_TOKEN"), os.Getenv("REPLICATE_API_TOKEN"), merged["replicate_api_token"]),
		OpenAIAPIKey:        firstNonEmpty(os.Getenv("FITSA_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY"), merged["openai_api_key"]),
		OpenAIBaseURL:       firstNonEmpty(os.Getenv("FITSA_OPENAI_BASE_URL"), merged["openai_base_url"]),
		StripeSecretKey:     firstNonEmpty(os.Getenv("FITSA_STRIPE_SECRET_KEY"), os.Getenv("STRIPE_SECRET_KEY"), merged["stripe_secret_key"]),
		StripeWebhookSecret: firstNonEmpty(os.Getenv("FITSA_STRIPE_WEBHOOK_SECRET"), os.Getenv("STRIPE_WEBHOOK_SECRET"), merged["stripe_webhook_secret"]),
		RedisAddr:           firstNonEmpty(os.Getenv("FITSA_REDIS_ADDR"), merged["redis_addr"]),
		RedisPassword:       firstNonEmpty(os.Getenv("FITSA_REDIS_PASSWORD"), merged["redis_password"]),
	}

	cfg.SimulatePurchases = parseOptionalBool(firstNonEmpty(os.Getenv("FITSA_SIMULATE_PURCHASES"), merged["simulate_purchases"]), cfg.Environment == "dev")
	cfg.RateLimitPerMinute = parseOptionalInt(firstNonEmpty(os.Getenv("FITSA_RATE_LIMIT_PER_MINUTE"), merged["rate_limit_per_minute"]), 60)
	cfg.RateLimitBurst = parseOptionalInt(firstNonEmpty(os.Getenv("FITSA_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 10)
	cfg.RedisDB = parseOptionalInt(firstNonEmpty(os.Getenv("FITSA_REDIS_DB"), merged["redis_db"]), 0)

	if v := firstNonEmpty(os.Getenv("FITSA_PROVIDER_TIMEOUT"), merged["provider_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid provider_timeout %q: %w", v, err)
		}
		cfg.ProviderTimeout = dur
	} else {
		cfg.ProviderTimeout = 120 * time.Second
	}

	return cfg, nil
}

// HasProvider reports whether at least one try-on backend is configured.
func (c ServerConfig) HasProvider() bool {
	return c.GeminiAPIKey != "" || c.ReplicateAPIToken != "" || c.OpenAIAPIKey != ""
}

// UsesPostgres reports whether the credits DSN selects the Postgres backend.
func (c ServerConfig) UsesPostgres() bool {
	return strings.HasPrefix(c.CreditsDSN, "postgres://") || strings.HasPrefix(c.CreditsDSN, "postgresql://")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("FITSA_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
