// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WindowCounts is one dimension's quota row: requests allowed per fixed
// window. Zero disables that window.
type WindowCounts struct {
	Burst5m int64 `yaml:"burst_5m"`
	Hourly  int64 `yaml:"hourly"`
	Daily   int64 `yaml:"daily"`
}

// TierLimits is one tier's quota table across counting dimensions.
type TierLimits struct {
	APIKey   WindowCounts `yaml:"api_key"`
	Tenant   WindowCounts `yaml:"tenant"`
	SourceIP WindowCounts `yaml:"source_ip"`
}

type Config struct {
	Env      string
	HTTPAddr string

	// Redis & Postgres. Empty values fall back to in-memory stores (dev).
	RedisURL    string
	DatabaseURL string

	// OIDC for the operator endpoints under /admin.
	AdminIssuer   string
	AdminAudience string
	AdminJWKSURL  string
	AdminDevAuth  bool

	// Kernel timing knobs.
	RequestTimeout       time.Duration
	IdempotencyTTL       time.Duration
	IdempotencyWait      time.Duration
	VerificationTokenTTL time.Duration

	// Audit writer sizing.
	AuditBuffer int
	AuditFlush  time.Duration

	// Per-tier rate-limit tables keyed by tenant tier. Loaded from
	// KERNEL_TIERS_FILE when set, on top of built-in defaults.
	Tiers map[string]TierLimits
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                  env("KERNEL_ENV", "dev"),
		HTTPAddr:             env("KERNEL_HTTP_ADDR", ":8080"),
		RedisURL:             env("REDIS_URL", ""),
		DatabaseURL:          env("DATABASE_URL", ""),
		AdminIssuer:          env("ADMIN_OIDC_ISSUER", ""),
		AdminAudience:        env("ADMIN_OIDC_AUDIENCE", "kernel-admin"),
		AdminJWKSURL:         env("ADMIN_JWKS_URL", ""),
		AdminDevAuth:         envBool("KERNEL_ADMIN_DEV_AUTH", false),
		RequestTimeout:       envDur("KERNEL_REQUEST_TIMEOUT_SEC", 25) * time.Second,
		IdempotencyTTL:       envDur("KERNEL_IDEMPOTENCY_TTL_HOURS", 24) * time.Hour,
		IdempotencyWait:      envDur("KERNEL_IDEMPOTENCY_WAIT_SEC", 2) * time.Second,
		VerificationTokenTTL: envDur("KERNEL_VERIFY_TOKEN_TTL_HOURS", 24) * time.Hour,
		AuditBuffer:          envInt("KERNEL_AUDIT_BUFFER", 1024),
		AuditFlush:           envDur("KERNEL_AUDIT_FLUSH_MS", 500) * time.Millisecond,
		Tiers:                DefaultTiers(),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory stores for dev")
	}
	if path := env("KERNEL_TIERS_FILE", ""); path != "" {
		if err := loadTiers(path, cfg.Tiers); err != nil {
			log.Printf("[WARN] tiers file %s: %v (using defaults)", path, err)
		}
	}
	return cfg
}

// DefaultTiers is the built-in quota table. A tiers file overrides or adds
// per-tier entries without erasing the rest.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free": {
			APIKey:   WindowCounts{Burst5m: 30, Hourly: 300, Daily: 2000},
			Tenant:   WindowCounts{Burst5m: 60, Hourly: 600, Daily: 5000},
			SourceIP: WindowCounts{Burst5m: 120, Hourly: 1200, Daily: 10000},
		},
		"pro": {
			APIKey:   WindowCounts{Burst5m: 300, Hourly: 6000, Daily: 50000},
			Tenant:   WindowCounts{Burst5m: 600, Hourly: 12000, Daily: 100000},
			SourceIP: WindowCounts{Burst5m: 1200, Hourly: 24000, Daily: 200000},
		},
	}
}

func loadTiers(path string, into map[string]TierLimits) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f struct {
		Tiers map[string]TierLimits `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	for name, t := range f.Tiers {
		into[name] = t
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
