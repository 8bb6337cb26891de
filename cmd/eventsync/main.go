package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.eventsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Local  ConfigLocal  `toml:"local"`
	Sync   ConfigSync   `toml:"sync"`
}

// ConfigServer points at the remote event service.
type ConfigServer struct {
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token"`
}

// ConfigLocal holds on-device state locations.
type ConfigLocal struct {
	StorePath string `toml:"store_path"`
	RedisURL  string `toml:"redis_url"`
}

// ConfigSync tunes queue replay.
type ConfigSync struct {
	MaxAttempts int `toml:"max_attempts"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.eventsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".eventsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies EVENTSYNC_* env overrides.
// A missing file yields a zero config rather than an error.
func loadConfig() (*Config, error) {
	cfg := &Config{}

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if v := os.Getenv("EVENTSYNC_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("EVENTSYNC_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("EVENTSYNC_STORE_PATH"); v != "" {
		cfg.Local.StorePath = v
	}
	if v := os.Getenv("EVENTSYNC_REDIS_URL"); v != "" {
		cfg.Local.RedisURL = v
	}
	return cfg, nil
}

// saveConfig writes the config file with restrictive permissions.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// storePath resolves the SQLite cache location, defaulting next to the
// config file.
func storePath(cfg *Config) (string, error) {
	if cfg.Local.StorePath != "" {
		return cfg.Local.StorePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "eventsync",
	Short: "Offline-first client for the event service",
	Long: "eventsync keeps a local replica of the remote event service, queues\n" +
		"writes made while offline, and replays them once connectivity returns.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	// A .env in the working directory feeds the EVENTSYNC_* overrides.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
