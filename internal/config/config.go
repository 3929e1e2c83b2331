// Package config loads the calsync settings and the Google OAuth client
// credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// EnvPrefix is prepended to every environment variable, e.g. CALSYNC_DATABASE_PATH.
const EnvPrefix = "CALSYNC"

// Setting keys, shared by the config file and the environment.
const (
	KeyDatabasePath          = "database_path"
	KeyGoogleCredentialsPath = "google_credentials_path"
	KeyCallbackAddr          = "callback_addr"
	KeySyncWindowDays        = "sync_window_days"
	KeyHTTPTimeout           = "http_timeout"
	KeyCalendarName          = "calendar_name"
	KeySchedule              = "schedule"
	KeyParallel              = "parallel"
	KeyVerbose               = "verbose"
)

// flagNames maps setting keys to their command-line flag.
var flagNames = map[string]string{
	KeyDatabasePath:          "database",
	KeyGoogleCredentialsPath: "credentials",
	KeyCallbackAddr:          "callback-addr",
	KeySyncWindowDays:        "window-days",
	KeyHTTPTimeout:           "http-timeout",
	KeyCalendarName:          "calendar-name",
	KeySchedule:              "schedule",
	KeyParallel:              "parallel",
	KeyVerbose:               "verbose",
}

// Config holds the configuration for the sync engine and its CLI.
type Config struct {
	DatabasePath          string        `yaml:"database_path"`
	GoogleCredentialsPath string        `yaml:"google_credentials_path"`
	CallbackAddr          string        `yaml:"callback_addr"`
	SyncWindowDays        int           `yaml:"sync_window_days"` // export window forward from now (default: 30)
	HTTPTimeout           time.Duration `yaml:"http_timeout"`
	CalendarName          string        `yaml:"calendar_name"` // X-WR-CALNAME of exported files
	Schedule              string        `yaml:"schedule"`      // cron schedule of `calsync watch`
	Parallel              int           `yaml:"parallel"`      // connections synced at once
	Verbose               bool          `yaml:"verbose"`
}

// SyncWindow returns the export window as a duration.
func (c *Config) SyncWindow() time.Duration {
	return time.Duration(c.SyncWindowDays) * 24 * time.Hour
}

// RegisterFlags adds the configuration flags to fs. Flags left unset fall
// through to the environment, the config file and then the defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagNames[KeyDatabasePath], "", "path to the SQLite database")
	fs.String(flagNames[KeyGoogleCredentialsPath], "", "path to the Google OAuth client credentials JSON")
	fs.String(flagNames[KeyCallbackAddr], "", "listen address for the OAuth redirect")
	fs.Int(flagNames[KeySyncWindowDays], 0, "days ahead of now to export")
	fs.Duration(flagNames[KeyHTTPTimeout], 0, "timeout for calendar HTTP requests")
	fs.String(flagNames[KeyCalendarName], "", "calendar name written into exported files")
	fs.String(flagNames[KeySchedule], "", "cron schedule for watch mode")
	fs.Int(flagNames[KeyParallel], 0, "number of connections synced in parallel")
	fs.BoolP(flagNames[KeyVerbose], "v", false, "enable debug logging")
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags (only those explicitly set)
// 2. Environment variables (CALSYNC_<KEY>)
// 3. Config file (configFile, or $HOME/.config/calsync/config.yaml when it exists)
// 4. Defaults
// flags may be nil.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	configDir, err := DefaultDir()
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, "load config", err)
	}

	v.SetDefault(KeyDatabasePath, filepath.Join(configDir, "calsync.db"))
	v.SetDefault(KeyGoogleCredentialsPath, filepath.Join(configDir, "credentials.json"))
	v.SetDefault(KeyCallbackAddr, "127.0.0.1:8080")
	v.SetDefault(KeySyncWindowDays, 30)
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyCalendarName, "Household")
	v.SetDefault(KeySchedule, "*/15 * * * *")
	v.SetDefault(KeyParallel, 4)
	v.SetDefault(KeyVerbose, false)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, model.NewError(model.ErrConfiguration, "load config", fmt.Errorf("failed to read config file: %w", err))
		}
	} else {
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, model.NewError(model.ErrConfiguration, "load config", fmt.Errorf("failed to read config file: %w", err))
			}
		}
	}

	if flags != nil {
		for key, name := range flagNames {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, model.NewError(model.ErrConfiguration, "load config", err)
				}
			}
		}
	}

	config := &Config{
		DatabasePath:          expandPath(v.GetString(KeyDatabasePath)),
		GoogleCredentialsPath: expandPath(v.GetString(KeyGoogleCredentialsPath)),
		CallbackAddr:          v.GetString(KeyCallbackAddr),
		SyncWindowDays:        v.GetInt(KeySyncWindowDays),
		HTTPTimeout:           v.GetDuration(KeyHTTPTimeout),
		CalendarName:          v.GetString(KeyCalendarName),
		Schedule:              v.GetString(KeySchedule),
		Parallel:              v.GetInt(KeyParallel),
		Verbose:               v.GetBool(KeyVerbose),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	const op = "validate config"
	if c.DatabasePath == "" {
		return model.NewError(model.ErrConfiguration, op, fmt.Errorf("database_path must be provided via --database flag, CALSYNC_DATABASE_PATH environment variable, or config file"))
	}
	if c.SyncWindowDays <= 0 {
		return model.NewError(model.ErrConfiguration, op, fmt.Errorf("sync_window_days must be positive, got %d", c.SyncWindowDays))
	}
	if c.HTTPTimeout <= 0 {
		return model.NewError(model.ErrConfiguration, op, fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.Parallel < 1 {
		return model.NewError(model.ErrConfiguration, op, fmt.Errorf("parallel must be at least 1, got %d", c.Parallel))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return model.NewError(model.ErrConfiguration, op, fmt.Errorf("invalid schedule %q: %w", c.Schedule, err))
	}
	return nil
}

// DefaultDir returns $HOME/.config/calsync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calsync"), nil
}

// expandPath expands ~ to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ClientCredentials is the OAuth client of the installed or web application.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// googleCredentials is the layout of the JSON file downloaded from the
// Google Cloud console.
type googleCredentials struct {
	Installed ClientCredentials `json:"installed"`
	Web       ClientCredentials `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (ClientCredentials, error) {
	const op = "load google credentials"

	data, err := os.ReadFile(path)
	if err != nil {
		return ClientCredentials{}, model.NewError(model.ErrConfiguration, op, fmt.Errorf("failed to read credentials file: %w", err))
	}

	var creds googleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return ClientCredentials{}, model.NewError(model.ErrConfiguration, op, fmt.Errorf("failed to parse credentials file: %w", err))
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web, nil
	}

	return ClientCredentials{}, model.NewError(model.ErrConfiguration, op, fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)"))
}
