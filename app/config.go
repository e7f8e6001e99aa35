package app

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for sessions, login transactions and the proxy.
const (
	DefaultSessionTTL     = 14 * 24 * time.Hour
	DefaultTransactionTTL = 10 * time.Minute
	DefaultProxyTimeout   = 30 * time.Second
	DefaultHSTSMaxAge     = 63072000
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Authority AuthorityConfig `yaml:"authority"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Login     LoginConfig     `yaml:"login"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthorityConfig points at the OpenID Connect authority.
type AuthorityConfig struct {
	URL                   string `yaml:"url"`
	ClientID              string `yaml:"client_id"`
	ClientSecret          string `yaml:"client_secret"`
	ApplicationKeyFile    string `yaml:"application_key_file"`
	IntrospectionEndpoint string `yaml:"introspection_endpoint"`
	OrganizationID        string `yaml:"organization_id"`
	ProjectID             string `yaml:"project_id"`
}

// SessionsConfig controls server-side session records.
type SessionsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LoginConfig controls the authorization code flow.
type LoginConfig struct {
	TransactionTTL time.Duration `yaml:"transaction_ttl"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Driver string             `yaml:"driver"`
	Redis  RedisStorageConfig `yaml:"redis"`
	Bolt   BoltStorageConfig  `yaml:"bolt"`
}

// RedisStorageConfig configures the redis driver.
type RedisStorageConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BoltStorageConfig configures the bolt driver.
type BoltStorageConfig struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

// CacheConfig selects where introspection results are cached.
type CacheConfig struct {
	Driver string `yaml:"driver"`
}

// ProxyConfig defines the single upstream guarded requests are forwarded to.
type ProxyConfig struct {
	Target             string        `yaml:"target"`
	Timeout            time.Duration `yaml:"timeout"`
	PreserveHost       bool          `yaml:"preserve_host"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// CORSConfig holds the cross-origin policy.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// Storage and cache driver names.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverBolt   = "bolt"
	DriverStore  = "store"
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Sessions: SessionsConfig{TTL: DefaultSessionTTL},
		Login:    LoginConfig{TransactionTTL: DefaultTransactionTTL},
		Storage:  StorageConfig{Driver: DriverMemory},
		Cache:    CacheConfig{Driver: DriverMemory},
		Proxy:    ProxyConfig{Timeout: DefaultProxyTimeout},
		CORS: CORSConfig{
			AllowedMethods: DefaultCORSAllowedMethods,
			AllowedHeaders: DefaultCORSAllowedHeaders,
		},
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// envPrefix namespaces the structured overrides.
const envPrefix = "SESSIONGATE_"

func applyEnvOverrides(cfg *Config) {
	// Short names used by existing deployments. The prefixed names are applied
	// afterwards and win when both are set.
	legacy := map[string]func(string){
		"AUTH_SERVER_URL":    func(v string) { cfg.Authority.URL = v },
		"CLIENT_ID":          func(v string) { cfg.Authority.ClientID = v },
		"CLIENT_SECRET":      func(v string) { cfg.Authority.ClientSecret = v },
		"APP_URL":            func(v string) { cfg.Server.PublicURL = v },
		"DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"ZITADEL_ORG_ID":     func(v string) { cfg.Authority.OrganizationID = v },
		"ZITADEL_PROJECT_ID": func(v string) { cfg.Authority.ProjectID = v },
		"PROXY_TARGET":       func(v string) { cfg.Proxy.Target = v },
	}
	overrides := map[string]func(string){
		"SERVER_PUBLIC_URL":                func(v string) { cfg.Server.PublicURL = v },
		"SERVER_DEV_LISTEN_ADDR":           func(v string) { cfg.Server.DevListenAddr = v },
		"SERVER_HTTP_LISTEN_ADDR":          func(v string) { cfg.Server.HTTPListenAddr = v },
		"SERVER_HTTPS_LISTEN_ADDR":         func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SERVER_DEV_MODE":                  func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SERVER_TLS_DOMAINS":               func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SERVER_TLS_EMAIL":                 func(v string) { cfg.Server.TLS.Email = v },
		"SERVER_TLS_CACHE_DIR":             func(v string) { cfg.Server.TLS.CacheDir = v },
		"AUTHORITY_URL":                    func(v string) { cfg.Authority.URL = v },
		"AUTHORITY_CLIENT_ID":              func(v string) { cfg.Authority.ClientID = v },
		"AUTHORITY_CLIENT_SECRET":          func(v string) { cfg.Authority.ClientSecret = v },
		"AUTHORITY_APPLICATION_KEY_FILE":   func(v string) { cfg.Authority.ApplicationKeyFile = v },
		"AUTHORITY_INTROSPECTION_ENDPOINT": func(v string) { cfg.Authority.IntrospectionEndpoint = v },
		"AUTHORITY_ORGANIZATION_ID":        func(v string) { cfg.Authority.OrganizationID = v },
		"AUTHORITY_PROJECT_ID":             func(v string) { cfg.Authority.ProjectID = v },
		"SESSIONS_TTL":                     func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"LOGIN_TRANSACTION_TTL":            func(v string) { cfg.Login.TransactionTTL = parseDuration(v, cfg.Login.TransactionTTL) },
		"STORAGE_DRIVER":                   func(v string) { cfg.Storage.Driver = v },
		"STORAGE_REDIS_ADDR":               func(v string) { cfg.Storage.Redis.Addr = v },
		"STORAGE_REDIS_USERNAME":           func(v string) { cfg.Storage.Redis.Username = v },
		"STORAGE_REDIS_PASSWORD":           func(v string) { cfg.Storage.Redis.Password = v },
		"STORAGE_REDIS_DB":                 func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"STORAGE_REDIS_KEY_PREFIX":         func(v string) { cfg.Storage.Redis.KeyPrefix = v },
		"STORAGE_BOLT_PATH":                func(v string) { cfg.Storage.Bolt.Path = v },
		"CACHE_DRIVER":                     func(v string) { cfg.Cache.Driver = v },
		"PROXY_TARGET":                     func(v string) { cfg.Proxy.Target = v },
		"PROXY_TIMEOUT":                    func(v string) { cfg.Proxy.Timeout = parseDuration(v, cfg.Proxy.Timeout) },
		"CORS_ALLOWED_ORIGINS":             func(v string) { cfg.CORS.AllowedOrigins = splitAndTrim(v) },
	}

	for key, fn := range legacy {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func configError(field, reason string, attrs ...any) *ConfigError {
	slog.Error("Invalid configuration", append([]any{"field", field, "reason", reason}, attrs...)...)
	return &ConfigError{Field: field, Reason: reason}
}

// Validate checks that every value needed at request time is present.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return configError("server.public_url", "is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		return configError("server.public_url", "must be an absolute http(s) URL", "value", c.Server.PublicURL)
	}

	if c.Authority.URL == "" {
		return configError("authority.url", "is required")
	}
	if !isHTTPURL(c.Authority.URL) {
		return configError("authority.url", "must be an absolute http(s) URL", "value", c.Authority.URL)
	}
	if c.Authority.ClientID == "" {
		return configError("authority.client_id", "is required")
	}
	if c.Authority.ClientSecret == "" && c.Authority.ApplicationKeyFile == "" {
		return configError("authority.client_secret", "is required unless authority.application_key_file is set")
	}
	if c.Authority.IntrospectionEndpoint != "" && !isHTTPURL(c.Authority.IntrospectionEndpoint) {
		return configError("authority.introspection_endpoint", "must be an absolute http(s) URL")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return configError("server.tls.domains", "must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		return configError("server.tls.min_version", "must be '1.2' or '1.3'", "value", c.Server.TLS.MinVersion)
	}

	if c.Sessions.TTL <= 0 {
		return configError("sessions.ttl", "must be positive")
	}
	if c.Login.TransactionTTL <= 0 {
		return configError("login.transaction_ttl", "must be positive")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return configError("storage.redis.addr", "is required for the redis driver")
		}
	case DriverBolt:
		if c.Storage.Bolt.Path == "" {
			return configError("storage.bolt.path", "is required for the bolt driver")
		}
	default:
		return configError("storage.driver", "must be one of memory, redis, bolt", "value", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case DriverMemory, DriverStore:
	default:
		return configError("cache.driver", "must be memory or store", "value", c.Cache.Driver)
	}

	if c.Proxy.Target != "" && !isHTTPURL(c.Proxy.Target) {
		return configError("proxy.target", "must be an absolute http(s) URL", "value", c.Proxy.Target)
	}
	if c.Proxy.Timeout < 0 {
		return configError("proxy.timeout", "must not be negative")
	}

	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
