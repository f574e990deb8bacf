package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-proxy/internal/config"
	"github.com/stretchr/testify/require"
)

var proxyEnvVars = []string{
	"AUTH_PROXY_CONFIG", "PORT", "APP_NAME", "ENV", "APP_BASE_URL", "LOGIN_PATH",
	"INSFORGE_BASE_URL", "INSFORGE_API_KEY", "INSFORGE_ANON_KEY", "CORS_ORIGIN",
	"IDENTITY_DRIVER", "OIDC_ISSUER", "OIDC_CLIENT_ID", "OIDC_CLIENT_SECRET",
	"STORE_DRIVER", "DATABASE_URL", "STORE_CLEANUP_INTERVAL", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "TRUST_PROXY", "LOG_LEVEL", "LOG_FILE", "TELEMETRY_ENABLED",
}

func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, name := range proxyEnvVars {
		t.Setenv(name, "")
	}
}

func TestLoadProxy(t *testing.T) {
	t.Run("required settings are enforced", func(t *testing.T) {
		clearProxyEnv(t)
		_, err := config.LoadProxy()
		require.Error(t, err)
		require.Contains(t, err.Error(), "INSFORGE_BASE_URL")
		require.Contains(t, err.Error(), "APP_BASE_URL")
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		clearProxyEnv(t)
		t.Setenv("INSFORGE_BASE_URL", "https://backend.example/")
		t.Setenv("INSFORGE_API_KEY", "service-key")
		t.Setenv("INSFORGE_ANON_KEY", "anon-key")
		t.Setenv("APP_BASE_URL", "https://app.example")
		t.Setenv("CORS_ORIGIN", "https://a.example,https://b.example")
		t.Setenv("PORT", "9090")
		t.Setenv("RATE_LIMIT_BURST", "3")

		c, err := config.LoadProxy()
		require.NoError(t, err)
		require.Equal(t, "https://backend.example", c.Insforge.BaseURL)
		require.Equal(t, "anon-key", c.Insforge.AnonKey)
		require.Equal(t, ":9090", c.GetPort())
		require.Equal(t, "https://app.example/login.html", c.LoginURL())
		require.True(t, c.GetAllowedOrigins().IsAllowedOrigin("https://b.example"))
		require.False(t, c.GetAllowedOrigins().IsAllowedOrigin("*"))
		rps, burst := c.GetRateLimit()
		require.Equal(t, 5.0, rps)
		require.Equal(t, 3, burst)
		require.False(t, c.TrustProxy())
		require.Equal(t, 10*time.Minute, c.RequestTTL)
		require.Equal(t, 2*time.Minute, c.CodeTTL)
	})

	t.Run("yaml file then env", func(t *testing.T) {
		clearProxyEnv(t)
		path := filepath.Join(t.TempDir(), "proxy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
app_base_url: https://yaml.example
insforge:
  base_url: https://backend.example
  api_key: from-yaml
store:
  driver: postgres
  database_url: postgres://localhost/auth
code_ttl: 90s
`), 0o600))
		t.Setenv("AUTH_PROXY_CONFIG", path)
		t.Setenv("INSFORGE_API_KEY", "from-env")

		c, err := config.LoadProxy()
		require.NoError(t, err)
		require.Equal(t, "https://yaml.example", c.AppBaseURL)
		require.Equal(t, "from-env", c.Insforge.APIKey)
		require.Equal(t, config.StorePostgres, c.Store.Driver)
		require.Equal(t, 90*time.Second, c.CodeTTL)
	})

	t.Run("trust proxy from env", func(t *testing.T) {
		clearProxyEnv(t)
		t.Setenv("INSFORGE_BASE_URL", "https://backend.example")
		t.Setenv("INSFORGE_API_KEY", "service-key")
		t.Setenv("APP_BASE_URL", "https://app.example")
		t.Setenv("TRUST_PROXY", "true")

		c, err := config.LoadProxy()
		require.NoError(t, err)
		require.True(t, c.TrustProxy())
	})

	t.Run("bad numeric env", func(t *testing.T) {
		clearProxyEnv(t)
		t.Setenv("RATE_LIMIT_RPS", "fast")
		_, err := config.LoadProxy()
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *config.ProxyConfig {
		c := config.DefaultProxyConfig()
		c.AppBaseURL = "https://app.example"
		c.Insforge = config.InsforgeConfig{BaseURL: "https://b.example", APIKey: "k"}
		return c
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.Store.Driver = config.StorePostgres
	require.ErrorContains(t, c.Validate(), "DATABASE_URL")

	c = valid()
	c.Identity = config.IdentityOIDC
	require.ErrorContains(t, c.Validate(), "OIDC_ISSUER")

	c = valid()
	c.Identity = config.IdentityOIDC
	c.OIDC.Issuer = "https://idp.example"
	c.OIDC.ClientID = "desktop"
	c.Insforge = config.InsforgeConfig{}
	require.NoError(t, c.Validate())

	c = valid()
	c.Store.Driver = "redis"
	require.ErrorContains(t, c.Validate(), "redis")
}

func TestClientConfig(t *testing.T) {
	t.Setenv("AXOLOTL_APP_BASE_URL", "")
	t.Setenv("AXOLOTL_API_BASE_URL", "")
	t.Setenv("AXOLOTL_PROXY_BASE_URL", "")

	t.Run("environment selection", func(t *testing.T) {
		t.Setenv("CLINE_ENVIRONMENT", "staging")
		t.Setenv("CLINE_ENVIRONMENT_OVERRIDE", "")
		require.Equal(t, config.Staging, config.LoadClient().Environment)

		t.Setenv("CLINE_ENVIRONMENT_OVERRIDE", "LOCAL")
		c := config.LoadClient()
		require.Equal(t, config.Local, c.Environment)
		require.Equal(t, "http://localhost:8080", c.ProxyBaseURL)

		require.Equal(t, config.Production, config.ParseEnvironment("mars"))
	})

	t.Run("base url overrides", func(t *testing.T) {
		t.Setenv("AXOLOTL_APP_BASE_URL", "https://login.example")
		t.Setenv("AXOLOTL_API_BASE_URL", "https://api.example")
		c := config.ClientConfigFor(config.Production)
		require.Equal(t, "https://login.example", c.AppBaseURL)
		require.Equal(t, "https://api.example", c.APIBaseURL)
		require.Equal(t, "https://qaxolotl.com", c.ProxyBaseURL)
	})
}
