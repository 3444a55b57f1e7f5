// Package config loads runtime configuration from file, environment,
// and defaults, in that order of increasing precedence for env vars.
//
// The config file is optisync.yaml in the working directory or under
// $HOME/.optisync/. Every key is also settable through the environment
// with the OPTISYNC_ prefix (OPTISYNC_SERVER_URL, OPTISYNC_STORE_ID,
// and so on). A missing config file is fine; missing required values
// are not.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// ServerURL is the base URL of the sync API.
	ServerURL string `mapstructure:"server_url"`

	// RealtimeURL is the websocket change feed endpoint. Empty disables
	// realtime and leaves only periodic pulls.
	RealtimeURL string `mapstructure:"realtime_url"`

	// Token is the bearer token for the sync API.
	Token string `mapstructure:"token"`

	// UserID identifies the signed-in user.
	UserID string `mapstructure:"user_id"`

	// Role is the user's access level: admin, manager, or seller.
	Role string `mapstructure:"role"`

	// StoreID scopes non-admin sync to one store.
	StoreID string `mapstructure:"store_id"`

	// DeviceID identifies this device to the server. Generated and
	// persisted on first run when absent.
	DeviceID string `mapstructure:"device_id"`

	// DataDir holds the local database and device state.
	DataDir string `mapstructure:"data_dir"`

	// ImportDir is the drop directory watched by the import daemon.
	ImportDir string `mapstructure:"import_dir"`

	// SyncInterval is the periodic cycle interval for the daemon.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// RetryLimit is the number of push attempts before dead-lettering.
	RetryLimit int `mapstructure:"retry_limit"`

	// DashboardPort is the monitoring server port. Zero disables it.
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile receives daemon logs with rotation. Empty logs to stderr.
	LogFile string `mapstructure:"log_file"`
}

// DatabasePath returns the local database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// Load reads configuration from optisync.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("optisync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".optisync"))
	}

	v.SetEnvPrefix("OPTISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only surfaces keys viper has seen in a file or a
	// default, so bind each one explicitly for env-only setups.
	for _, key := range []string{
		"server_url", "realtime_url", "token", "user_id", "role",
		"store_id", "device_id", "data_dir", "import_dir",
		"sync_interval", "retry_limit", "dashboard_port", "log_file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetDefault("data_dir", ".optisync")
	v.SetDefault("import_dir", ".optisync/import")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("retry_limit", 5)
	v.SetDefault("dashboard_port", 8745)
	v.SetDefault("role", "seller")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.ensureDeviceID(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values a sync run cannot do without. Load alone
// stays permissive so commands like status work before setup finishes.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Role != "admin" && c.StoreID == "" {
		return fmt.Errorf("store_id is required for role %q", c.Role)
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync_interval must be at least 1s")
	}
	return nil
}

// ensureDeviceID loads or generates the persistent device identity.
// The ID lives in a file under DataDir so reinstalls of the config file
// do not change what the server sees.
func (c *Config) ensureDeviceID() error {
	if c.DeviceID != "" {
		return nil
	}

	idPath := filepath.Join(c.DataDir, "device-id")
	if data, err := os.ReadFile(idPath); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			c.DeviceID = id
			return nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to persist device id: %w", err)
	}

	c.DeviceID = id
	return nil
}
