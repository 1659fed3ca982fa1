package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, tmp, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if setting != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
			t.Fatalf("write setting: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "fitsa.ini"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
}

func TestLoadLayering(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlisten_addr=:4000\nlog_file=/tmp/base.log\ncredits_dsn=/tmp/base-credits.db\n"
	env := "log_file=/tmp/env.log\ngemini_api_key=ini-key\nstripe_secret_key=sk_test_ini\nrate_limit_per_minute=120\n"
	writeConfig(t, tmp, setting, env)

	os.Setenv("FITSA_GEMINI_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("FITSA_GEMINI_API_KEY") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Base value survives where the env file is silent.
	if cfg.ListenAddr != ":4000" {
		t.Fatalf("listen addr = %s, want :4000", cfg.ListenAddr)
	}
	if cfg.CreditsDSN != "/tmp/base-credits.db" {
		t.Fatalf("credits dsn = %s", cfg.CreditsDSN)
	}
	// Env file wins over base.
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("log file = %s, want /tmp/env.log", cfg.LogFile)
	}
	// Environment variable wins over both.
	if cfg.GeminiAPIKey != "env-key" {
		t.Fatalf("gemini key = %s, want env-key", cfg.GeminiAPIKey)
	}
	if cfg.StripeSecretKey != "sk_test_ini" {
		t.Fatalf("stripe key = %s", cfg.StripeSecretKey)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("rate limit = %d, want 120", cfg.RateLimitPerMinute)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "", "")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %s, want dev", cfg.Environment)
	}
	if cfg.ListenAddr != ":5000" {
		t.Fatalf("listen addr = %s, want :5000", cfg.ListenAddr)
	}
	if cfg.CreditsDSN != "credits.db" {
		t.Fatalf("credits dsn = %s", cfg.CreditsDSN)
	}
	if cfg.ProviderTimeout != 120*time.Second {
		t.Fatalf("provider timeout = %s", cfg.ProviderTimeout)
	}
	if cfg.RateLimitPerMinute != 60 || cfg.RateLimitBurst != 10 {
		t.Fatalf("rate limit defaults = %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}
	// dev environment defaults to simulated purchases on.
	if !cfg.SimulatePurchases {
		t.Fatalf("expected simulate_purchases default on in dev")
	}
	if cfg.HasProvider() {
		t.Fatalf("no provider keys configured, HasProvider should be false")
	}
}

func TestLoadInvalidProviderTimeout(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n", "provider_timeout=not-a-duration\n")

	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for invalid provider_timeout")
	}
}

func TestUsesPostgres(t *testing.T) {
	if (ServerConfig{CreditsDSN: "credits.db"}).UsesPostgres() {
		t.Fatalf("sqlite path misread as postgres")
	}
	if !(ServerConfig{CreditsDSN: "postgres://u:p@db/fitsa"}).UsesPostgres() {
		t.Fatalf("postgres url not detected")
	}
	if !(ServerConfig{CreditsDSN: "postgresql://u:p@db/fitsa"}).UsesPostgres() {
		t.Fatalf("postgresql url not detected")
	}
}
