package config

import (
	"os"
	"strings"
)

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
	Local      Environment = "local"
)

const (
	environmentOverrideEnvVar = "CLINE_ENVIRONMENT_OVERRIDE"
	environmentEnvVar         = "CLINE_ENVIRONMENT"
	clientAppBaseURLEnvVar    = "AXOLOTL_APP_BASE_URL"
	clientAPIBaseURLEnvVar    = "AXOLOTL_API_BASE_URL"
	clientProxyBaseURLEnvVar  = "AXOLOTL_PROXY_BASE_URL"
)

// ClientConfig holds the base URLs the desktop client talks to.
type ClientConfig struct {
	Environment  Environment
	AppBaseURL   string // hosted login page
	APIBaseURL   string // identity backend (refresh, profiles)
	ProxyBaseURL string // auth proxy (authorize, token exchange)
	MCPBaseURL   string
}

// ParseEnvironment maps a name to an Environment, defaulting to production.
func ParseEnvironment(name string) Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(name))) {
	case Staging:
		return Staging
	case Local:
		return Local
	default:
		return Production
	}
}

// LoadClient picks the environment from CLINE_ENVIRONMENT_OVERRIDE or
// CLINE_ENVIRONMENT and resolves its URLs.
func LoadClient() ClientConfig {
	return ClientConfigFor(ParseEnvironment(GetEnv(environmentOverrideEnvVar, os.Getenv(environmentEnvVar))))
}

// ClientConfigFor resolves the URLs of env. AXOLOTL_* variables override the
// app, API and proxy base URLs in every environment.
func ClientConfigFor(env Environment) ClientConfig {
	var c ClientConfig
	switch env {
	case Staging:
		c = ClientConfig{
			Environment: Staging,
			AppBaseURL:  "https://staging-app.cline.bot",
			APIBaseURL:  "https://core-api.staging.int.cline.bot",
			MCPBaseURL:  "https://core-api.staging.int.cline.bot/v1/mcp",
		}
		c.ProxyBaseURL = c.AppBaseURL
	case Local:
		c = ClientConfig{
			Environment:  Local,
			AppBaseURL:   "https://4zxsfry3.us-west.insforge.app",
			APIBaseURL:   "https://4zxsfry3.us-west.insforge.app",
			ProxyBaseURL: "http://localhost:8080",
			MCPBaseURL:   "https://4zxsfry3.us-west.insforge.app/v1/mcp",
		}
	default:
		c = ClientConfig{
			Environment: Production,
			AppBaseURL:  "https://qaxolotl.com",
			APIBaseURL:  "https://4zxsfry3.us-west.insforge.app",
			MCPBaseURL:  "https://4zxsfry3.us-west.insforge.app/v1/mcp",
		}
		c.ProxyBaseURL = c.AppBaseURL
	}
	c.AppBaseURL = GetEnv(clientAppBaseURLEnvVar, c.AppBaseURL)
	c.APIBaseURL = GetEnv(clientAPIBaseURLEnvVar, c.APIBaseURL)
	c.ProxyBaseURL = GetEnv(clientProxyBaseURLEnvVar, c.ProxyBaseURL)
	return c
}
