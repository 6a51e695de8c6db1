package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the proxy backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	SessionInactivityTimeout time.Duration
	SessionSweepInterval     time.Duration
	// SessionAuthStatus is returned for missing or unknown session ids.
	SessionAuthStatus int
	// SessionInternalToken guards the collaborator session routes. Empty
	// leaves them unmounted.
	SessionInternalToken string

	ProxyMaxRedirects int
	// ProxyInsecureSkipVerify disables upstream certificate checks for
	// proxied calls only. The proxied upstreams use self-signed certificates.
	ProxyInsecureSkipVerify bool
}

const (
	// KeyBindAddr is overridden by the serve --bind flag.
	KeyBindAddr          = "APP_BIND_ADDR"
	keyShutdownTimeout   = "APP_SHUTDOWN_TIMEOUT"
	keyMetricsNamespace  = "APP_METRICS_NAMESPACE"
	keyAllowAnyOrigin    = "APP_ALLOW_ANY_ORIGIN"
	keyLogLevel          = "LOG_LEVEL"
	keyLogFormat         = "LOG_FORMAT"
	keyInactivityTimeout = "SESSION_INACTIVITY_TIMEOUT"
	keySweepInterval     = "SESSION_SWEEP_INTERVAL"
	keyAuthStatus        = "SESSION_AUTH_STATUS"
	keyInternalToken     = "SESSION_INTERNAL_TOKEN"
	keyMaxRedirects      = "PROXY_MAX_REDIRECTS"
	keyInsecureTLS       = "PROXY_INSECURE_SKIP_VERIFY"
)

// Keys lists every setting Load understands.
var Keys = []string{
	KeyBindAddr,
	keyShutdownTimeout,
	keyMetricsNamespace,
	keyAllowAnyOrigin,
	keyLogLevel,
	keyLogFormat,
	keyInactivityTimeout,
	keySweepInterval,
	keyAuthStatus,
	keyInternalToken,
	keyMaxRedirects,
	keyInsecureTLS,
}

// New returns a viper instance with defaults set and environment binding
// enabled. A config file, when given, is read on top of the defaults;
// environment variables still win.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(KeyBindAddr, ":8080")
	v.SetDefault(keyShutdownTimeout, "15s")
	v.SetDefault(keyMetricsNamespace, "andromeda")
	v.SetDefault(keyAllowAnyOrigin, false)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	v.SetDefault(keyInactivityTimeout, "10m")
	v.SetDefault(keySweepInterval, "10s")
	v.SetDefault(keyAuthStatus, http.StatusForbidden)
	v.SetDefault(keyInternalToken, "")
	v.SetDefault(keyMaxRedirects, 10)
	v.SetDefault(keyInsecureTLS, true)
	v.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	v, err := New("")
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		BindAddr:                strings.TrimSpace(v.GetString(KeyBindAddr)),
		MetricsNamespace:        strings.TrimSpace(v.GetString(keyMetricsNamespace)),
		LogLevel:                strings.ToLower(strings.TrimSpace(v.GetString(keyLogLevel))),
		LogFormat:               strings.ToLower(strings.TrimSpace(v.GetString(keyLogFormat))),
		SessionAuthStatus:       v.GetInt(keyAuthStatus),
		SessionInternalToken:    strings.TrimSpace(v.GetString(keyInternalToken)),
		ProxyMaxRedirects:       v.GetInt(keyMaxRedirects),
		AllowAnyOrigin:          v.GetBool(keyAllowAnyOrigin),
		ProxyInsecureSkipVerify: v.GetBool(keyInsecureTLS),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, keyShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFrom(v, keyInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = durationFrom(v, keySweepInterval); err != nil {
		return Config{}, err
	}

	if cfg.BindAddr == "" {
		return Config{}, fmt.Errorf("%s must not be empty", KeyBindAddr)
	}
	if cfg.SessionInactivityTimeout < time.Second {
		return Config{}, fmt.Errorf("%s must be at least 1s", keyInactivityTimeout)
	}
	if cfg.SessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", keySweepInterval)
	}
	if cfg.SessionAuthStatus != http.StatusUnauthorized && cfg.SessionAuthStatus != http.StatusForbidden {
		return Config{}, fmt.Errorf("%s must be 401 or 403, got %d", keyAuthStatus, cfg.SessionAuthStatus)
	}
	if cfg.ProxyMaxRedirects <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", keyMaxRedirects)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("%s must be json or console, got %q", keyLogFormat, cfg.LogFormat)
	}

	return cfg, nil
}

// durationFrom accepts Go duration strings; viper's own cast silently turns
// garbage into zero.
func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("%s must not be empty", key)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}
