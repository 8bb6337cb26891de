package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage eventsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.eventsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'eventsync init <base-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: eventsync config set server.base_url https://events.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "server.base_url":
		cfg.Server.BaseURL = value
	case "server.auth_token":
		cfg.Server.AuthToken = value
	case "local.store_path":
		cfg.Local.StorePath = value
	case "local.redis_url":
		cfg.Local.RedisURL = value
	case "sync.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("sync.max_attempts must be an integer: %w", err)
		}
		cfg.Sync.MaxAttempts = n
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}
