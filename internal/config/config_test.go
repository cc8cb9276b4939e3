package config

import (
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads, then restores the original
// environment when the test finishes.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DATABASE_URL", "UPSTREAM_HOSTS", "ADMIN_DID", "PLC_DIRECTORY_HOST",
		"PUBLIC_API_HOST", "PORT", "TEMP_POOL_MAX", "RESOLVER_CACHE_SIZE",
		"RESOLVER_TIMEOUT",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "file:atwatch.db" {
		t.Fatalf("DatabaseURL = %q, want default", cfg.DatabaseURL)
	}
	if len(cfg.UpstreamHosts) != 2 {
		t.Fatalf("UpstreamHosts = %v, want 2 default hosts", cfg.UpstreamHosts)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.TempPoolMax != 50 {
		t.Fatalf("TempPoolMax = %d, want 50", cfg.TempPoolMax)
	}
	if cfg.ResolverCacheSize != 10_000 {
		t.Fatalf("ResolverCacheSize = %d, want 10000", cfg.ResolverCacheSize)
	}
	if cfg.ResolverTimeout != 10*time.Second {
		t.Fatalf("ResolverTimeout = %v, want 10s", cfg.ResolverTimeout)
	}
}

func TestLoad_ParsesCommaSeparatedHostsAndTrimsWhitespace(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_HOSTS", " jetstream1.example.com ,jetstream2.example.com,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"jetstream1.example.com", "jetstream2.example.com"}
	if len(cfg.UpstreamHosts) != len(want) {
		t.Fatalf("UpstreamHosts = %v, want %v", cfg.UpstreamHosts, want)
	}
	for i, h := range want {
		if cfg.UpstreamHosts[i] != h {
			t.Fatalf("UpstreamHosts[%d] = %q, want %q", i, cfg.UpstreamHosts[i], h)
		}
	}
}

func TestLoad_EmptyHostsListIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_HOSTS", "  ,  ,")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject an UPSTREAM_HOSTS value with no usable hosts")
	}
}

func TestLoad_InvalidPortIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject a non-numeric PORT")
	}
}

func TestLoad_InvalidTempPoolMaxIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEMP_POOL_MAX", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject a non-numeric TEMP_POOL_MAX")
	}
}

func TestLoad_InvalidResolverCacheSizeIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_CACHE_SIZE", "huge")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject a non-numeric RESOLVER_CACHE_SIZE")
	}
}

func TestLoad_InvalidResolverTimeoutIsAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_TIMEOUT", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject an unparseable RESOLVER_TIMEOUT")
	}
}

func TestLoad_CustomResolverTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ResolverTimeout != 30*time.Second {
		t.Fatalf("ResolverTimeout = %v, want 30s", cfg.ResolverTimeout)
	}
}
