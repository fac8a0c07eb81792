package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOTGATE_SERVICE_API_KEY", "k1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyCacheTTL != 24*time.Hour || cfg.KeyRotateAfter != 12*time.Hour {
		t.Fatalf("unexpected key cache defaults: %v %v", cfg.KeyCacheTTL, cfg.KeyRotateAfter)
	}
	if cfg.OriginTimeout != 10*time.Second {
		t.Fatalf("unexpected origin timeout: %v", cfg.OriginTimeout)
	}
	if cfg.LedgerBackend != BackendMemory {
		t.Fatalf("unexpected ledger backend: %s", cfg.LedgerBackend)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botgate.yaml")
	body := "http_addr: \":9999\"\nissuer: file-issuer\norigin_timeout: 5s\nsuper_admins:\n  - root\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("BOTGATE_ISSUER", "env-issuer")
	t.Setenv("BOTGATE_SERVICE_API_KEY", "k1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected file value, got %q", cfg.HTTPAddr)
	}
	if cfg.Issuer != "env-issuer" {
		t.Fatalf("expected env override, got %q", cfg.Issuer)
	}
	if cfg.OriginTimeout != 5*time.Second {
		t.Fatalf("expected file duration, got %v", cfg.OriginTimeout)
	}
	if !cfg.IsSuperAdmin("root") || cfg.IsSuperAdmin("") {
		t.Fatalf("unexpected super admins: %v", cfg.SuperAdmins)
	}
}

func TestValidateRejectsMissingDependencies(t *testing.T) {
	cfg := Default()
	cfg.LedgerBackend = BackendPostgres
	cfg.KeyCacheBackend = BackendFile
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"pg_dsn", "key_cache_dir", "service_api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	cfg = Default()
	cfg.KeyRotateAfter = 48 * time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rotate window error")
	}
}

func TestLoadRequiresServiceAPIKey(t *testing.T) {
	t.Setenv("BOTGATE_SERVICE_API_KEY", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "service_api_key") {
		t.Fatalf("expected service_api_key error, got %v", err)
	}
	cfg := Default()
	cfg.ServiceAPIKey = "k1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
