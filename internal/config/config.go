package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RIGHTS"
	defaultHTTPAddress      = "127.0.0.1:7171"
	defaultDatabasePath     = "rights.db"
	defaultLogLevel         = "info"
	defaultIdentityPath     = "device.json"
	defaultPublicationsDir  = "publications"
	defaultSyncMaxAge       = 15 * time.Minute
	defaultTransportTimeout = 30 * time.Second
)

// AppConfig captures runtime configuration for the rights daemon.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	DeviceName       string
	IdentityPath     string
	PublicationsDir  string
	APISigningSecret string
	AllowedOrigins   []string
	SyncMaxAge       time.Duration
	TransportTimeout time.Duration
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("device.name", "")
	configViper.SetDefault("device.identity_path", defaultIdentityPath)
	configViper.SetDefault("storage.publications_dir", defaultPublicationsDir)
	configViper.SetDefault("sync.max_age", defaultSyncMaxAge)
	configViper.SetDefault("transport.timeout", defaultTransportTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		DeviceName:       configViper.GetString("device.name"),
		IdentityPath:     configViper.GetString("device.identity_path"),
		PublicationsDir:  configViper.GetString("storage.publications_dir"),
		APISigningSecret: configViper.GetString("api.signing_secret"),
		AllowedOrigins:   configViper.GetStringSlice("http.cors_origins"),
		SyncMaxAge:       configViper.GetDuration("sync.max_age"),
		TransportTimeout: configViper.GetDuration("transport.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APISigningSecret) == "" {
		return fmt.Errorf("api.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.IdentityPath) == "" {
		return fmt.Errorf("device.identity_path is required")
	}
	if c.SyncMaxAge <= 0 {
		return fmt.Errorf("sync.max_age must be positive")
	}
	if c.TransportTimeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive")
	}
	return nil
}
