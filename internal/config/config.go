package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DEVOCIONALES"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "devocionales.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCookieName      = "devocionales_session"
	defaultIssuer          = "devocionales"
	defaultTokenTTL        = 12 * time.Hour
	defaultRateInterval    = 100 * time.Millisecond
	defaultRateBurst       = 20
	defaultEventsExchange  = "devocionales.entities"
	defaultHeartbeat       = 15 * time.Second
	defaultAPIBaseURL      = "http://127.0.0.1:8080"
	defaultAPITimeout      = 10 * time.Second
	defaultClientLogLevel  = "warn"
	defaultClientLogFormat = "console"
	defaultClientKind      = "families"
	defaultClientLogFile   = "devocionales-tui.log"
	keyHTTPAddress         = "http.address"
	keyHTTPAllowedOrigins  = "http.allowed_origins"
	keyDatabasePath        = "database.path"
	keyLogLevel            = "log.level"
	keyLogFormat           = "log.format"
	keyLogFile             = "log.file"
	keyAuthSigningSecret   = "auth.signing_secret"
	keyAuthIssuer          = "auth.issuer"
	keyAuthCookieName      = "auth.cookie_name"
	keyAuthTokenTTL        = "auth.token_ttl"
	keyRateLimitInterval   = "ratelimit.interval"
	keyRateLimitBurst      = "ratelimit.burst"
	keyEventsAMQPURL       = "events.amqp_url"
	keyEventsExchange      = "events.exchange"
	keyRealtimeHeartbeat   = "realtime.heartbeat"
	keyAPIBaseURL          = "api.base_url"
	keyAPIToken            = "api.token"
	keyAPITimeout          = "api.timeout"
	keyClientKind          = "client.kind"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	Issuer            string
	CookieName        string
	TokenTTL          time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
	AMQPURL           string
	EventsExchange    string
	RealtimeHeartbeat time.Duration
}

// ClientConfig captures runtime configuration for the terminal client.
type ClientConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	Kind      string
	LogLevel  string
	LogFormat string
	LogFile   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyHTTPAllowedOrigins, []string{"*"})
	configViper.SetDefault(keyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyLogFormat, defaultLogFormat)
	configViper.SetDefault(keyAuthIssuer, defaultIssuer)
	configViper.SetDefault(keyAuthCookieName, defaultCookieName)
	configViper.SetDefault(keyAuthTokenTTL, defaultTokenTTL)
	configViper.SetDefault(keyRateLimitInterval, defaultRateInterval)
	configViper.SetDefault(keyRateLimitBurst, defaultRateBurst)
	configViper.SetDefault(keyEventsExchange, defaultEventsExchange)
	configViper.SetDefault(keyRealtimeHeartbeat, defaultHeartbeat)
}

// NewClientViper returns a viper instance configured for the terminal client.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures the terminal client's defaults. The client shares the env
// prefix but logs to the console at warn level so the UI is not drowned out.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyAPIBaseURL, defaultAPIBaseURL)
	configViper.SetDefault(keyAPITimeout, defaultAPITimeout)
	configViper.SetDefault(keyClientKind, defaultClientKind)
	configViper.SetDefault(keyLogLevel, defaultClientLogLevel)
	configViper.SetDefault(keyLogFormat, defaultClientLogFormat)
	configViper.SetDefault(keyLogFile, defaultClientLogFile)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString(keyHTTPAddress),
		AllowedOrigins:    configViper.GetStringSlice(keyHTTPAllowedOrigins),
		DatabasePath:      configViper.GetString(keyDatabasePath),
		LogLevel:          configViper.GetString(keyLogLevel),
		LogFormat:         configViper.GetString(keyLogFormat),
		SigningSecret:     configViper.GetString(keyAuthSigningSecret),
		Issuer:            configViper.GetString(keyAuthIssuer),
		CookieName:        configViper.GetString(keyAuthCookieName),
		TokenTTL:          configViper.GetDuration(keyAuthTokenTTL),
		RateLimitInterval: configViper.GetDuration(keyRateLimitInterval),
		RateLimitBurst:    configViper.GetInt(keyRateLimitBurst),
		AMQPURL:           configViper.GetString(keyEventsAMQPURL),
		EventsExchange:    configViper.GetString(keyEventsExchange),
		RealtimeHeartbeat: configViper.GetDuration(keyRealtimeHeartbeat),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the terminal client's configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL:   strings.TrimRight(configViper.GetString(keyAPIBaseURL), "/"),
		Token:     configViper.GetString(keyAPIToken),
		Timeout:   configViper.GetDuration(keyAPITimeout),
		Kind:      configViper.GetString(keyClientKind),
		LogLevel:  configViper.GetString(keyLogLevel),
		LogFormat: configViper.GetString(keyLogFormat),
		LogFile:   configViper.GetString(keyLogFile),
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", keyAPIBaseURL)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", keyAPIToken)
	}
	if cfg.Timeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s must be positive", keyAPITimeout)
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%s is required", keyAuthSigningSecret)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", keyDatabasePath)
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("%s is required", keyAuthCookieName)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%s is required", keyAuthIssuer)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%s must be positive", keyAuthTokenTTL)
	}
	if c.RateLimitInterval < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit settings must not be negative")
	}
	if c.AMQPURL != "" && strings.TrimSpace(c.EventsExchange) == "" {
		return fmt.Errorf("%s is required when %s is set", keyEventsExchange, keyEventsAMQPURL)
	}
	return nil
}
