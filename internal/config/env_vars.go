package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	configFileEnvVar = "AUTH_PROXY_CONFIG"

	portEnvVar            = "PORT"
	appNameEnvVar         = "APP_NAME"
	envEnvVar             = "ENV"
	appBaseURLEnvVar      = "APP_BASE_URL"
	loginPathEnvVar       = "LOGIN_PATH"
	insforgeBaseURLEnvVar = "INSFORGE_BASE_URL"
	insforgeAPIKeyEnvVar  = "INSFORGE_API_KEY"
	insforgeAnonKeyEnvVar = "INSFORGE_ANON_KEY"
	corsOriginEnvVar      = "CORS_ORIGIN"
	identityEnvVar        = "IDENTITY_DRIVER"
	oidcIssuerEnvVar      = "OIDC_ISSUER"
	oidcClientIDEnvVar    = "OIDC_CLIENT_ID"
	oidcSecretEnvVar      = "OIDC_CLIENT_SECRET"
	storeDriverEnvVar     = "STORE_DRIVER"
	databaseURLEnvVar     = "DATABASE_URL"
	cleanupEnvVar         = "STORE_CLEANUP_INTERVAL"
	rateLimitRPSEnvVar    = "RATE_LIMIT_RPS"
	rateLimitBurstEnvVar  = "RATE_LIMIT_BURST"
	trustProxyEnvVar      = "TRUST_PROXY"
	logLevelEnvVar        = "LOG_LEVEL"
	logFileEnvVar         = "LOG_FILE"
	telemetryEnvVar       = "TELEMETRY_ENABLED"
)

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func (c *ProxyConfig) applyEnv() error {
	c.Port = GetEnv(portEnvVar, c.Port)
	c.AppName = GetEnv(appNameEnvVar, c.AppName)
	c.Env = GetEnv(envEnvVar, c.Env)
	c.AppBaseURL = strings.TrimRight(GetEnv(appBaseURLEnvVar, c.AppBaseURL), "/")
	c.LoginPath = GetEnv(loginPathEnvVar, c.LoginPath)

	c.Insforge.BaseURL = strings.TrimRight(GetEnv(insforgeBaseURLEnvVar, c.Insforge.BaseURL), "/")
	c.Insforge.APIKey = GetEnv(insforgeAPIKeyEnvVar, c.Insforge.APIKey)
	c.Insforge.AnonKey = GetEnv(insforgeAnonKeyEnvVar, c.Insforge.AnonKey)

	c.Identity = GetEnv(identityEnvVar, c.Identity)
	c.OIDC.Issuer = GetEnv(oidcIssuerEnvVar, c.OIDC.Issuer)
	c.OIDC.ClientID = GetEnv(oidcClientIDEnvVar, c.OIDC.ClientID)
	c.OIDC.ClientSecret = GetEnv(oidcSecretEnvVar, c.OIDC.ClientSecret)

	c.Store.Driver = GetEnv(storeDriverEnvVar, c.Store.Driver)
	c.Store.DatabaseURL = GetEnv(databaseURLEnvVar, c.Store.DatabaseURL)

	if origins := os.Getenv(corsOriginEnvVar); origins != "" {
		c.CORSOrigins = strings.Split(origins, ",")
	}

	c.Log.Level = GetEnv(logLevelEnvVar, c.Log.Level)
	c.Log.File = GetEnv(logFileEnvVar, c.Log.File)
	c.Log.Console = c.Log.Console || c.Env == "DEV"

	var err error
	if c.Store.CleanupInterval, err = envDuration(cleanupEnvVar, c.Store.CleanupInterval); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerSecond, err = envFloat(rateLimitRPSEnvVar, c.RateLimit.RequestsPerSecond); err != nil {
		return err
	}
	if c.RateLimit.Burst, err = envInt(rateLimitBurstEnvVar, c.RateLimit.Burst); err != nil {
		return err
	}
	if c.RateLimit.TrustProxy, err = envBool(trustProxyEnvVar, c.RateLimit.TrustProxy); err != nil {
		return err
	}
	if c.Telemetry, err = envBool(telemetryEnvVar, c.Telemetry); err != nil {
		return err
	}
	return nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("[config] %s: %w", name, err)
	}
	return d, nil
}

func envFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("[config] %s: %w", name, err)
	}
	return f, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("[config] %s: %w", name, err)
	}
	return i, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("[config] %s: %w", name, err)
	}
	return b, nil
}
