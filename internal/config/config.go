package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is what the HTTP server needs from its configuration.
type Config interface {
	EnvConfig
	CorsConfig
	RateLimitConfig
	PublicConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type RateLimitConfig interface {
	GetRateLimit() (requestsPerSecond float64, burst int)
	// TrustProxy reports whether X-Forwarded-For / X-Real-IP identify the client.
	TrustProxy() bool
}

// PublicConfig is served unauthenticated to the hosted login page.
type PublicConfig interface {
	GetPublicSettings() PublicSettings
}

type PublicSettings struct {
	InsforgeBaseURL string `json:"insforgeBaseUrl"`
	InsforgeAnonKey string `json:"insforgeAnonKey"`
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRecords  = "records"

	IdentityInsforge = "insforge"
	IdentityOIDC     = "oidc"
)

type InsforgeConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	AnonKey string `yaml:"anon_key"`
}

type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type StoreSettings struct {
	Driver          string        `yaml:"driver"`
	DatabaseURL     string        `yaml:"database_url"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type RateLimitSettings struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustProxy keys buckets on forwarding headers. Only enable behind a
	// proxy that overwrites them.
	TrustProxy bool `yaml:"trust_proxy"`
}

type LogSettings struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// ProxyConfig is built once at start-up and handed to the components that need it.
type ProxyConfig struct {
	AppName    string `yaml:"app_name"`
	Env        string `yaml:"env"`
	Port       string `yaml:"port"`
	AppBaseURL string `yaml:"app_base_url"`
	LoginPath  string `yaml:"login_path"`

	Identity string         `yaml:"identity"`
	Insforge InsforgeConfig `yaml:"insforge"`
	OIDC     OIDCConfig     `yaml:"oidc"`

	Store       StoreSettings     `yaml:"store"`
	CORSOrigins []string          `yaml:"cors_origins"`
	RateLimit   RateLimitSettings `yaml:"rate_limit"`
	Log         LogSettings       `yaml:"log"`
	Telemetry   bool              `yaml:"telemetry"`

	RequestTTL time.Duration `yaml:"request_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
}

var _ Config = (*ProxyConfig)(nil)

// DefaultProxyConfig returns the settings used when nothing overrides them.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		AppName:   "Auth Proxy",
		Env:       "DEV",
		Port:      "8080",
		LoginPath: "/login.html",
		Identity:  IdentityInsforge,
		OIDC:      OIDCConfig{Scopes: []string{"openid", "email", "profile", "offline_access"}},
		Store: StoreSettings{
			Driver:          StoreMemory,
			CleanupInterval: time.Minute,
		},
		CORSOrigins: []string{"*"},
		RateLimit:   RateLimitSettings{RequestsPerSecond: 5, Burst: 20},
		Log:         LogSettings{Level: "info"},
		RequestTTL:  10 * time.Minute,
		CodeTTL:     2 * time.Minute,
	}
}

// LoadProxy layers defaults, the optional YAML file named by AUTH_PROXY_CONFIG
// and environment variables, then validates the result.
func LoadProxy() (*ProxyConfig, error) {
	c := DefaultProxyConfig()
	if path := os.Getenv(configFileEnvVar); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ProxyConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("[config.loadFile] failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("[config.loadFile] failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate enforces the settings the proxy cannot start without.
func (c *ProxyConfig) Validate() error {
	var errs []error
	needsInsforge := c.Identity == IdentityInsforge || c.Store.Driver == StoreRecords
	if needsInsforge && (c.Insforge.BaseURL == "" || c.Insforge.APIKey == "") {
		errs = append(errs, errors.New("missing INSFORGE_BASE_URL / INSFORGE_API_KEY"))
	}
	if c.AppBaseURL == "" {
		errs = append(errs, errors.New("missing APP_BASE_URL"))
	}
	switch c.Identity {
	case IdentityInsforge:
	case IdentityOIDC:
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" {
			errs = append(errs, errors.New("missing OIDC_ISSUER / OIDC_CLIENT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity backend %q", c.Identity))
	}
	switch c.Store.Driver {
	case StoreMemory, StoreRecords:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("missing DATABASE_URL for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.RequestTTL <= 0 || c.CodeTTL <= 0 {
		errs = append(errs, errors.New("request and code TTLs must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("[config.Validate] %w", errors.Join(errs...))
	}
	return nil
}

func (c *ProxyConfig) GetPort() string {
	if c.Port == "" || c.Port[0] == ':' {
		return c.Port
	}
	return ":" + c.Port
}

func (c *ProxyConfig) GetAppName() string {
	return c.AppName
}

func (c *ProxyConfig) GetEnv() string {
	return c.Env
}

func (c *ProxyConfig) GetRateLimit() (float64, int) {
	return c.RateLimit.RequestsPerSecond, c.RateLimit.Burst
}

func (c *ProxyConfig) TrustProxy() bool {
	return c.RateLimit.TrustProxy
}

func (c *ProxyConfig) GetPublicSettings() PublicSettings {
	return PublicSettings{InsforgeBaseURL: c.Insforge.BaseURL, InsforgeAnonKey: c.Insforge.AnonKey}
}

// LoginURL is the hosted login page the authorize step redirects to.
func (c *ProxyConfig) LoginURL() string {
	return c.AppBaseURL + c.LoginPath
}
