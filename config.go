package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RuntimeModeSingle        = "single"
	RuntimeModeMultiThreaded = "multi_threaded"
	RuntimeModeMultiProcess  = "multi_process"

	CacheBackendMemory = "memory"
	CacheBackendRemote = "remote"

	FingerprintOff     = "off"
	FingerprintChrome  = "chrome"
	FingerprintFirefox = "firefox"
)

// envPrefix is prepended to the upper-snake form of every config key, so
// `cache.remote_url` can be overridden with GLASSPROXY_CACHE_REMOTE_URL.
const envPrefix = "GLASSPROXY_"

type TLSSettings struct {
	CACertPath   string `yaml:"ca_cert_path"`
	CAKeyPath    string `yaml:"ca_key_path"`
	Organization string `yaml:"organization"`
}

type CacheSettings struct {
	Backend    string `yaml:"backend"`
	RemoteURL  string `yaml:"remote_url"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLHours   int    `yaml:"ttl_hours"`
	MaxEntries int    `yaml:"max_entries"`
}

type UpstreamSettings struct {
	ConnectTimeoutMS  int    `yaml:"connect_timeout_ms"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
	PoolIdleTimeoutMS int    `yaml:"pool_idle_timeout_ms"`
	MaxIdlePerHost    int    `yaml:"max_idle_per_host"`
	SkipCertVerify    bool   `yaml:"skip_cert_verify"`
	TLSFingerprint    string `yaml:"tls_fingerprint"`

	// Extra PEM trust anchors verified in addition to the system roots
	TrustAnchorPaths []string `yaml:"trust_anchor_paths"`

	// Optional parent proxy for all upstream traffic
	ProxyURL      string `yaml:"proxy_url"`
	ProxyUsername string `yaml:"proxy_username"`
	ProxyPassword string `yaml:"proxy_password"`
}

type RuntimeSettings struct {
	Mode         string `yaml:"mode"`
	ProcessCount int    `yaml:"process_count"`
	WorkerCount  int    `yaml:"worker_count"`
	UseReuseport bool   `yaml:"use_reuseport"`
}

type StreamingSettings struct {
	MaxLogBodySize    int64 `yaml:"max_log_body_size"`
	MaxPartialLogSize int64 `yaml:"max_partial_log_size"`
}

type Config struct {
	ListenAddr               string `yaml:"listen_addr"`
	HTTPSListenAddr          string `yaml:"https_listen_addr"`
	ControlAddr              string `yaml:"control_addr"`
	HTTPSInterceptionEnabled bool   `yaml:"https_interception_enabled"`
	LogLevel                 string `yaml:"log_level"`

	TLS       TLSSettings       `yaml:"tls"`
	Cache     CacheSettings     `yaml:"cache"`
	Upstream  UpstreamSettings  `yaml:"upstream"`
	Runtime   RuntimeSettings   `yaml:"runtime"`
	Streaming StreamingSettings `yaml:"streaming"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               "127.0.0.1:8080",
		HTTPSListenAddr:          "",
		ControlAddr:              "127.0.0.1:8081",
		HTTPSInterceptionEnabled: true,
		LogLevel:                 "info",
		TLS: TLSSettings{
			Organization: "Glassproxy",
		},
		Cache: CacheSettings{
			Backend:    CacheBackendMemory,
			KeyPrefix:  "glassproxy:cert:",
			TTLHours:   24,
			MaxEntries: 1000,
		},
		Upstream: UpstreamSettings{
			ConnectTimeoutMS:  10000,
			RequestTimeoutMS:  30000,
			PoolIdleTimeoutMS: 90000,
			MaxIdlePerHost:    50,
			TLSFingerprint:    FingerprintOff,
		},
		Runtime: RuntimeSettings{
			Mode:         RuntimeModeMultiThreaded,
			ProcessCount: 4,
			WorkerCount:  runtime.NumCPU(),
			UseReuseport: true,
		},
		Streaming: StreamingSettings{
			MaxLogBodySize:    1 << 20, // 1 MiB
			MaxPartialLogSize: 1 << 10, // 1 KiB
		},
	}
}

// LoadConfig reads the YAML file at path (if non-empty), layers it over the
// defaults and finally applies environment overrides. Every scalar YAML key
// can be overridden individually from the environment; the list-valued
// upstream.trust_anchor_paths is read from the file only.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	config.applyEnvironment()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnvironment() {
	envString(&c.ListenAddr, "LISTEN_ADDR")
	envString(&c.HTTPSListenAddr, "HTTPS_LISTEN_ADDR")
	envString(&c.ControlAddr, "CONTROL_ADDR")
	envBool(&c.HTTPSInterceptionEnabled, "HTTPS_INTERCEPTION_ENABLED")
	envString(&c.LogLevel, "LOG_LEVEL")

	envString(&c.TLS.CACertPath, "TLS_CA_CERT_PATH")
	envString(&c.TLS.CAKeyPath, "TLS_CA_KEY_PATH")
	envString(&c.TLS.Organization, "TLS_ORGANIZATION")

	envString(&c.Cache.Backend, "CACHE_BACKEND")
	envString(&c.Cache.RemoteURL, "CACHE_REMOTE_URL")
	envString(&c.Cache.KeyPrefix, "CACHE_KEY_PREFIX")
	envInt(&c.Cache.TTLHours, "CACHE_TTL_HOURS")
	envInt(&c.Cache.MaxEntries, "CACHE_MAX_ENTRIES")

	envInt(&c.Upstream.ConnectTimeoutMS, "UPSTREAM_CONNECT_TIMEOUT_MS")
	envInt(&c.Upstream.RequestTimeoutMS, "UPSTREAM_REQUEST_TIMEOUT_MS")
	envInt(&c.Upstream.PoolIdleTimeoutMS, "UPSTREAM_POOL_IDLE_TIMEOUT_MS")
	envInt(&c.Upstream.MaxIdlePerHost, "UPSTREAM_MAX_IDLE_PER_HOST")
	envBool(&c.Upstream.SkipCertVerify, "UPSTREAM_SKIP_CERT_VERIFY")
	envString(&c.Upstream.TLSFingerprint, "UPSTREAM_TLS_FINGERPRINT")
	envString(&c.Upstream.ProxyURL, "UPSTREAM_PROXY_URL")
	envString(&c.Upstream.ProxyUsername, "UPSTREAM_PROXY_USERNAME")
	envString(&c.Upstream.ProxyPassword, "UPSTREAM_PROXY_PASSWORD")

	envString(&c.Runtime.Mode, "RUNTIME_MODE")
	envInt(&c.Runtime.ProcessCount, "RUNTIME_PROCESS_COUNT")
	envInt(&c.Runtime.WorkerCount, "RUNTIME_WORKER_COUNT")
	envBool(&c.Runtime.UseReuseport, "RUNTIME_USE_REUSEPORT")

	envInt64(&c.Streaming.MaxLogBodySize, "STREAMING_MAX_LOG_BODY_SIZE")
	envInt64(&c.Streaming.MaxPartialLogSize, "STREAMING_MAX_PARTIAL_LOG_SIZE")
}

func (c *Config) Validate() error {
	switch c.Runtime.Mode {
	case RuntimeModeSingle, RuntimeModeMultiThreaded, RuntimeModeMultiProcess:
	default:
		return fmt.Errorf("invalid runtime.mode %q (want %s, %s or %s)",
			c.Runtime.Mode, RuntimeModeSingle, RuntimeModeMultiThreaded, RuntimeModeMultiProcess)
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRemote:
	default:
		return fmt.Errorf("invalid cache.backend %q (want %s or %s)",
			c.Cache.Backend, CacheBackendMemory, CacheBackendRemote)
	}

	switch c.Upstream.TLSFingerprint {
	case FingerprintOff, FingerprintChrome, FingerprintFirefox:
	default:
		return fmt.Errorf("invalid upstream.tls_fingerprint %q", c.Upstream.TLSFingerprint)
	}

	if c.Cache.Backend == CacheBackendRemote && c.Cache.RemoteURL == "" {
		return fmt.Errorf("cache.backend is %q but cache.remote_url is unset", CacheBackendRemote)
	}

	if c.Runtime.Mode == RuntimeModeMultiProcess && c.Runtime.ProcessCount < 1 {
		return fmt.Errorf("runtime.process_count must be at least 1, got %d", c.Runtime.ProcessCount)
	}

	if c.Runtime.WorkerCount < 1 {
		return fmt.Errorf("runtime.worker_count must be at least 1, got %d", c.Runtime.WorkerCount)
	}

	if c.Cache.TTLHours < 1 {
		return fmt.Errorf("cache.ttl_hours must be at least 1, got %d", c.Cache.TTLHours)
	}

	return nil
}

func (c *Config) LeafTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Upstream.ConnectTimeoutMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Upstream.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) PoolIdleTimeout() time.Duration {
	return time.Duration(c.Upstream.PoolIdleTimeoutMS) * time.Millisecond
}

func envString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		*target = value
	}
}

func envBool(target *bool, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func envInt(target *int, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func envInt64(target *int64, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			*target = parsed
		}
	}
}
