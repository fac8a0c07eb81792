package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "BOTGATE"

// EnvConfigFile names an optional YAML file applied before the environment.
const EnvConfigFile = "BOTGATE_CONFIG_FILE"

// Backend names accepted by LedgerBackend and KeyCacheBackend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFile     = "file"
)

// Config holds the resolved service configuration. Precedence: environment, file, defaults.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" yaml:"http_addr"`
	GRPCAddr string `envconfig:"GRPC_ADDR" yaml:"grpc_addr"`
	LogLevel string `envconfig:"LOG_LEVEL" yaml:"log_level"`

	PostgresDSN      string `envconfig:"PG_DSN" yaml:"pg_dsn"`
	PostgresMaxConns int    `envconfig:"PG_MAX_CONNS" yaml:"pg_max_conns"`
	RedisURL         string `envconfig:"REDIS_URL" yaml:"redis_url"`

	// Storage selection.
	StoreBackend    string `envconfig:"STORE_BACKEND" yaml:"store_backend"`
	LedgerBackend   string `envconfig:"LEDGER_BACKEND" yaml:"ledger_backend"`
	KeyCacheBackend string `envconfig:"KEY_CACHE_BACKEND" yaml:"key_cache_backend"`
	KeyCacheDir     string `envconfig:"KEY_CACHE_DIR" yaml:"key_cache_dir"`

	// Token signing and verification.
	Issuer          string        `envconfig:"ISSUER" yaml:"issuer"`
	SigningKeyFile  string        `envconfig:"SIGNING_KEY_FILE" yaml:"signing_key_file"`
	SigningKeyTTL   time.Duration `envconfig:"SIGNING_KEY_TTL" yaml:"signing_key_ttl"`
	JWKSURL         string        `envconfig:"JWKS_URL" yaml:"jwks_url"`
	KeyCacheTTL     time.Duration `envconfig:"KEY_CACHE_TTL" yaml:"key_cache_ttl"`
	KeyRotateAfter  time.Duration `envconfig:"KEY_ROTATE_AFTER" yaml:"key_rotate_after"`
	KeyFetchTimeout time.Duration `envconfig:"KEY_FETCH_TIMEOUT" yaml:"key_fetch_timeout"`

	// Proxy and quota.
	OriginTimeout              time.Duration `envconfig:"ORIGIN_TIMEOUT" yaml:"origin_timeout"`
	DefaultTokenLimit          int64         `envconfig:"DEFAULT_TOKEN_LIMIT" yaml:"default_token_limit"`
	DefaultMaxTokensPerRequest int64         `envconfig:"DEFAULT_MAX_TOKENS_PER_REQUEST" yaml:"default_max_tokens_per_request"`
	ReservationTTL             time.Duration `envconfig:"RESERVATION_TTL" yaml:"reservation_ttl"`
	ProxyMaxBodyBytes          int64         `envconfig:"PROXY_MAX_BODY_BYTES" yaml:"proxy_max_body_bytes"`
	ProxyMaxResponseBytes      int64         `envconfig:"PROXY_MAX_RESPONSE_BYTES" yaml:"proxy_max_response_bytes"`

	// Edge protection.
	RateBurst     int      `envconfig:"RATE_BURST" yaml:"rate_burst"`
	RatePerSecond int      `envconfig:"RATE_PER_SECOND" yaml:"rate_per_second"`
	ServiceAPIKey string   `envconfig:"SERVICE_API_KEY" yaml:"service_api_key"`
	SuperAdmins   []string `envconfig:"SUPER_ADMINS" yaml:"super_admins"`
	BcryptCost    int      `envconfig:"BCRYPT_COST" yaml:"bcrypt_cost"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:                   ":8080",
		GRPCAddr:                   ":9090",
		PostgresMaxConns:           50,
		LogLevel:                   "info",
		StoreBackend:               BackendMemory,
		LedgerBackend:              BackendMemory,
		KeyCacheBackend:            BackendMemory,
		Issuer:                     "botgate",
		SigningKeyTTL:              7 * 24 * time.Hour,
		KeyCacheTTL:                24 * time.Hour,
		KeyRotateAfter:             12 * time.Hour,
		KeyFetchTimeout:            3 * time.Second,
		OriginTimeout:              10 * time.Second,
		DefaultTokenLimit:          100000,
		DefaultMaxTokensPerRequest: 4096,
		ReservationTTL:             2 * time.Minute,
		ProxyMaxBodyBytes:          10 << 20,
		ProxyMaxResponseBytes:      32 << 20,
		RateBurst:                  20,
		RatePerSecond:              10,
		BcryptCost:                 12,
	}
}

// Load resolves configuration from defaults, the optional YAML file and the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	for name, backend := range map[string]string{"store_backend": c.StoreBackend, "ledger_backend": c.LedgerBackend} {
		switch backend {
		case BackendMemory, BackendPostgres:
		case BackendRedis:
			if name == "store_backend" {
				errs = append(errs, fmt.Errorf("%s: redis is not supported", name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q", name, backend))
		}
	}
	switch c.KeyCacheBackend {
	case BackendMemory, BackendRedis:
	case BackendFile:
		if c.KeyCacheDir == "" {
			errs = append(errs, errors.New("key_cache_dir is required for the file key cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("key_cache_backend: unknown backend %q", c.KeyCacheBackend))
	}
	if c.usesBackend(BackendPostgres) && c.PostgresDSN == "" {
		errs = append(errs, errors.New("pg_dsn is required for the postgres backend"))
	}
	if (c.LedgerBackend == BackendRedis || c.KeyCacheBackend == BackendRedis) && c.RedisURL == "" {
		errs = append(errs, errors.New("redis_url is required for the redis backend"))
	}
	if c.KeyCacheTTL <= 0 || c.KeyRotateAfter <= 0 || c.KeyRotateAfter >= c.KeyCacheTTL {
		errs = append(errs, errors.New("key_rotate_after must be positive and shorter than key_cache_ttl"))
	}
	if c.KeyFetchTimeout <= 0 || c.OriginTimeout <= 0 || c.ReservationTTL <= 0 || c.SigningKeyTTL <= 0 {
		errs = append(errs, errors.New("timeouts and ttls must be positive"))
	}
	if strings.TrimSpace(c.ServiceAPIKey) == "" {
		errs = append(errs, errors.New("service_api_key is required to issue user tokens"))
	}
	if c.DefaultTokenLimit < 0 || c.DefaultMaxTokensPerRequest <= 0 {
		errs = append(errs, errors.New("token limits must be non-negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) usesBackend(name string) bool {
	return c.StoreBackend == name || c.LedgerBackend == name
}

// IsSuperAdmin reports whether userID is listed in SuperAdmins.
func (c Config) IsSuperAdmin(userID string) bool {
	for _, id := range c.SuperAdmins {
		if strings.TrimSpace(id) == userID && userID != "" {
			return true
		}
	}
	return false
}
