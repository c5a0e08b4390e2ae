package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Provider ProviderConfig `mapstructure:"provider"`
	Keyset   KeysetConfig   `mapstructure:"keyset"`
	Gate     GateConfig     `mapstructure:"gate"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Manifest ManifestConfig `mapstructure:"manifest"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ProviderConfig struct {
	ID             string `mapstructure:"id"`
	Address        string `mapstructure:"address"`
	Network        string `mapstructure:"network"`
	PublicKeyFile  string `mapstructure:"public_key_file"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	// DevKeys generates an ephemeral keypair at startup instead of
	// reading PEM files. Attestations do not survive a restart.
	DevKeys bool `mapstructure:"dev_keys"`
}

type KeysetConfig struct {
	URL                 string `mapstructure:"url"`
	PinnedPublicKeyFile string `mapstructure:"pinned_public_key_file"`
	PinnedOnly          bool   `mapstructure:"pinned_only"`
	MaxAgeMs            int64  `mapstructure:"max_age_ms"`
	FetchTimeoutMs      int64  `mapstructure:"fetch_timeout_ms"`
	PublishMaxAgeSec    int64  `mapstructure:"publish_max_age_sec"`
}

type GateConfig struct {
	QuoteTTLSec         int64 `mapstructure:"quote_ttl_sec"`
	MaxRequestBodyBytes int64 `mapstructure:"max_request_body_bytes"`
}

type ReplayConfig struct {
	Backend          string `mapstructure:"backend"`
	MaxKeys          int    `mapstructure:"max_keys"`
	TTLBufferMs      int64  `mapstructure:"ttl_buffer_ms"`
	SweepIntervalSec int64  `mapstructure:"sweep_interval_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type UpstreamConfig struct {
	// BaseURL is where manifest tools forward to. Empty means the built-in
	// echo executor serves every tool.
	BaseURL          string `mapstructure:"base_url"`
	TimeoutSec       int64  `mapstructure:"timeout_sec"`
	MaxResponseBytes int64  `mapstructure:"max_response_bytes"`
}

type UsageConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ManifestConfig struct {
	Dir string `mapstructure:"dir"`
}

// Replay backends.
const (
	ReplayBackendMemory = "memory"
	ReplayBackendRedis  = "redis"
)

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8402)
	v.SetDefault("keyset.max_age_ms", 300000)
	v.SetDefault("keyset.fetch_timeout_ms", 2000)
	v.SetDefault("keyset.publish_max_age_sec", 300)
	v.SetDefault("gate.quote_ttl_sec", 300)
	v.SetDefault("gate.max_request_body_bytes", 1000000)
	v.SetDefault("replay.backend", ReplayBackendMemory)
	v.SetDefault("replay.max_keys", 10000)
	v.SetDefault("replay.ttl_buffer_ms", 60000)
	v.SetDefault("replay.sweep_interval_sec", 60)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout_sec", 30)
	v.SetDefault("upstream.max_response_bytes", 4194304)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                   "PAYGATE_PORT",
		"provider.id":                   "PAYGATE_PROVIDER_ID",
		"provider.address":              "PAYGATE_PROVIDER_ADDRESS",
		"provider.network":              "PAYGATE_PROVIDER_NETWORK",
		"provider.public_key_file":      "PAYGATE_PROVIDER_PUBLIC_KEY_FILE",
		"provider.private_key_file":     "PAYGATE_PROVIDER_PRIVATE_KEY_FILE",
		"provider.dev_keys":             "PAYGATE_PROVIDER_DEV_KEYS",
		"keyset.url":                    "PAYGATE_KEYSET_URL",
		"keyset.pinned_public_key_file": "PAYGATE_KEYSET_PINNED_KEY_FILE",
		"keyset.pinned_only":            "PAYGATE_KEYSET_PINNED_ONLY",
		"keyset.max_age_ms":             "PAYGATE_KEYSET_MAX_AGE_MS",
		"keyset.fetch_timeout_ms":       "PAYGATE_KEYSET_FETCH_TIMEOUT_MS",
		"keyset.publish_max_age_sec":    "PAYGATE_KEYSET_PUBLISH_MAX_AGE_SEC",
		"gate.quote_ttl_sec":            "PAYGATE_QUOTE_TTL_SEC",
		"gate.max_request_body_bytes":   "PAYGATE_MAX_REQUEST_BODY_BYTES",
		"replay.backend":                "PAYGATE_REPLAY_BACKEND",
		"replay.max_keys":               "PAYGATE_REPLAY_MAX_KEYS",
		"replay.ttl_buffer_ms":          "PAYGATE_REPLAY_TTL_BUFFER_MS",
		"replay.sweep_interval_sec":     "PAYGATE_REPLAY_SWEEP_INTERVAL_SEC",
		"redis.addr":                    "PAYGATE_REDIS_ADDR",
		"redis.password":                "PAYGATE_REDIS_PASSWORD",
		"upstream.base_url":             "PAYGATE_UPSTREAM_BASE_URL",
		"upstream.timeout_sec":          "PAYGATE_UPSTREAM_TIMEOUT_SEC",
		"upstream.max_response_bytes":   "PAYGATE_UPSTREAM_MAX_RESPONSE_BYTES",
		"usage.enabled":                 "PAYGATE_USAGE_ENABLED",
		"manifest.dir":                  "PAYGATE_MANIFEST_DIR",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Provider.ID == "" {
		return fmt.Errorf("required config missing: PAYGATE_PROVIDER_ID")
	}
	if !c.Provider.DevKeys {
		if c.Provider.PublicKeyFile == "" {
			return fmt.Errorf("required config missing: PAYGATE_PROVIDER_PUBLIC_KEY_FILE (or PAYGATE_PROVIDER_DEV_KEYS=true)")
		}
		if c.Provider.PrivateKeyFile == "" {
			return fmt.Errorf("required config missing: PAYGATE_PROVIDER_PRIVATE_KEY_FILE (or PAYGATE_PROVIDER_DEV_KEYS=true)")
		}
	}
	if c.Keyset.URL == "" && c.Keyset.PinnedPublicKeyFile == "" {
		return fmt.Errorf("required config missing: PAYGATE_KEYSET_URL or PAYGATE_KEYSET_PINNED_KEY_FILE")
	}
	switch c.Replay.Backend {
	case ReplayBackendMemory, ReplayBackendRedis:
	default:
		return fmt.Errorf("invalid PAYGATE_REPLAY_BACKEND %q: want %s or %s",
			c.Replay.Backend, ReplayBackendMemory, ReplayBackendRedis)
	}
	if c.Replay.Backend == ReplayBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: PAYGATE_REDIS_ADDR")
	}
	if c.Usage.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: PAYGATE_REDIS_ADDR (usage journal needs redis)")
	}
	return nil
}
