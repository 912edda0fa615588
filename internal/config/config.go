package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	AuthMode              string        `mapstructure:"AUTH_MODE"`
	Store                 string        `mapstructure:"STORE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	DBSlowQuery           time.Duration `mapstructure:"DB_SLOW_QUERY"`
	DefaultTenant         string        `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	IngestRateLimit       float64       `mapstructure:"INGEST_RATE_LIMIT"`
	IngestRateBurst       int           `mapstructure:"INGEST_RATE_BURST"`
	IngestWorkers         int           `mapstructure:"INGEST_WORKERS"`
	IngestBodyLimit       string        `mapstructure:"INGEST_BODY_LIMIT"`
	MLLPAddr              string        `mapstructure:"MLLP_ADDR"`
	MLLPSource            string        `mapstructure:"MLLP_SOURCE"`
	StaleSweepInterval    time.Duration `mapstructure:"STALE_SWEEP_INTERVAL"`
	EncounterTimeoutHours int           `mapstructure:"ENCOUNTER_TIMEOUT_HOURS"`
	LockStripes           int           `mapstructure:"LOCK_STRIPES"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SLOW_QUERY",
	"DEFAULT_TENANT", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "INGEST_RATE_LIMIT", "INGEST_RATE_BURST", "INGEST_WORKERS",
	"INGEST_BODY_LIMIT", "MLLP_ADDR", "MLLP_SOURCE", "STALE_SWEEP_INTERVAL", "ENCOUNTER_TIMEOUT_HOURS",
	"LOCK_STRIPES", "REQUEST_TIMEOUT", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SLOW_QUERY", "500ms")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("INGEST_RATE_LIMIT", 50)
	v.SetDefault("INGEST_RATE_BURST", 100)
	v.SetDefault("INGEST_WORKERS", 8)
	v.SetDefault("INGEST_BODY_LIMIT", "50M")
	v.SetDefault("MLLP_SOURCE", "mllp")
	v.SetDefault("STALE_SWEEP_INTERVAL", "15m")
	v.SetDefault("ENCOUNTER_TIMEOUT_HOURS", 72)
	v.SetDefault("LOCK_STRIPES", 256)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether repositories are held in process.
func (c *Config) UsesMemoryStore() bool {
	return c.Store == StoreMemory
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise ENV=development
// means development (every request is admin) and anything else means jwt.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate rejects configurations that are unsafe or cannot run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.IsProduction() && c.UsesMemoryStore() {
		return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
	}

	switch c.ResolvedAuthMode() {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=%s is not allowed in production", AuthModeDevelopment)
		}
	case AuthModeJWT:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, c.AuthMode)
	}

	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", c.IngestWorkers)
	}
	if c.LockStripes < 1 {
		return fmt.Errorf("LOCK_STRIPES must be at least 1, got %d", c.LockStripes)
	}
	if c.EncounterTimeoutHours < 1 {
		return fmt.Errorf("ENCOUNTER_TIMEOUT_HOURS must be at least 1, got %d", c.EncounterTimeoutHours)
	}
	if c.StaleSweepInterval < 0 {
		return fmt.Errorf("STALE_SWEEP_INTERVAL must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
