package config

import (
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PAYGATE_PROVIDER_ID", "prov_test")
	t.Setenv("PAYGATE_PROVIDER_DEV_KEYS", "true")
	t.Setenv("PAYGATE_KEYSET_URL", "https://treasury.example/.well-known/nooterra-pay-keys.json")
}

// ── Defaults ──────────────────────────────────────────────────────────────────

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8402 {
		t.Errorf("server.port: %d", cfg.Server.Port)
	}
	if cfg.Replay.Backend != ReplayBackendMemory || cfg.Replay.MaxKeys != 10000 {
		t.Errorf("replay: %+v", cfg.Replay)
	}
	if cfg.Replay.TTLBufferMs != 60000 || cfg.Replay.SweepIntervalSec != 60 {
		t.Errorf("replay timing: %+v", cfg.Replay)
	}
	if cfg.Keyset.MaxAgeMs != 300000 || cfg.Keyset.FetchTimeoutMs != 2000 || cfg.Keyset.PublishMaxAgeSec != 300 {
		t.Errorf("keyset: %+v", cfg.Keyset)
	}
	if cfg.Gate.QuoteTTLSec != 300 || cfg.Gate.MaxRequestBodyBytes != 1000000 {
		t.Errorf("gate: %+v", cfg.Gate)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis.addr: %q", cfg.Redis.Addr)
	}
	if cfg.Upstream.BaseURL != "" || cfg.Upstream.TimeoutSec != 30 || cfg.Upstream.MaxResponseBytes != 4194304 {
		t.Errorf("upstream: %+v", cfg.Upstream)
	}
	if cfg.Usage.Enabled {
		t.Error("usage enabled by default")
	}
}

// ── Env bindings ──────────────────────────────────────────────────────────────

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYGATE_PORT", "9000")
	t.Setenv("PAYGATE_PROVIDER_ADDRESS", "nooterra:provider")
	t.Setenv("PAYGATE_PROVIDER_NETWORK", "nooterra")
	t.Setenv("PAYGATE_REPLAY_BACKEND", "redis")
	t.Setenv("PAYGATE_REDIS_ADDR", "127.0.0.1:6400")
	t.Setenv("PAYGATE_QUOTE_TTL_SEC", "120")
	t.Setenv("PAYGATE_MAX_REQUEST_BODY_BYTES", "2048")
	t.Setenv("PAYGATE_USAGE_ENABLED", "true")
	t.Setenv("PAYGATE_MANIFEST_DIR", "/etc/paygate/manifests")
	t.Setenv("PAYGATE_UPSTREAM_BASE_URL", "http://tools.internal:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("server.port: %d", cfg.Server.Port)
	}
	if cfg.Provider.Address != "nooterra:provider" || cfg.Provider.Network != "nooterra" {
		t.Errorf("provider: %+v", cfg.Provider)
	}
	if cfg.Replay.Backend != ReplayBackendRedis || cfg.Redis.Addr != "127.0.0.1:6400" {
		t.Errorf("replay/redis: %+v %+v", cfg.Replay, cfg.Redis)
	}
	if cfg.Gate.QuoteTTLSec != 120 || cfg.Gate.MaxRequestBodyBytes != 2048 {
		t.Errorf("gate: %+v", cfg.Gate)
	}
	if !cfg.Usage.Enabled {
		t.Error("usage.enabled not bound")
	}
	if cfg.Manifest.Dir != "/etc/paygate/manifests" {
		t.Errorf("manifest.dir: %q", cfg.Manifest.Dir)
	}
	if cfg.Upstream.BaseURL != "http://tools.internal:8080" {
		t.Errorf("upstream.base_url: %q", cfg.Upstream.BaseURL)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "missing provider id",
			env:     map[string]string{"PAYGATE_KEYSET_URL": "https://x.example/keys.json"},
			wantSub: "PAYGATE_PROVIDER_ID",
		},
		{
			name: "missing key files",
			env: map[string]string{
				"PAYGATE_PROVIDER_ID": "prov_a",
				"PAYGATE_KEYSET_URL":  "https://x.example/keys.json",
			},
			wantSub: "PAYGATE_PROVIDER_PUBLIC_KEY_FILE",
		},
		{
			name: "missing keyset source",
			env: map[string]string{
				"PAYGATE_PROVIDER_ID":       "prov_a",
				"PAYGATE_PROVIDER_DEV_KEYS": "true",
			},
			wantSub: "PAYGATE_KEYSET_URL",
		},
		{
			name: "unknown replay backend",
			env: map[string]string{
				"PAYGATE_PROVIDER_ID":       "prov_a",
				"PAYGATE_PROVIDER_DEV_KEYS": "true",
				"PAYGATE_KEYSET_URL":        "https://x.example/keys.json",
				"PAYGATE_REPLAY_BACKEND":    "disk",
			},
			wantSub: "PAYGATE_REPLAY_BACKEND",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), c.wantSub) {
				t.Errorf("error %q does not mention %s", err, c.wantSub)
			}
		})
	}
}
