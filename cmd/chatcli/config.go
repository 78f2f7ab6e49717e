package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI state stored in ~/.whisper/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
}

// ConfigServer holds the endpoints.
type ConfigServer struct {
	API    string `toml:"api"`
	Socket string `toml:"socket"`
}

// ConfigAuth holds the logged-in identity.
type ConfigAuth struct {
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
	Name    string `toml:"name"`
	Email   string `toml:"email"`
	Expires string `toml:"expires"` // RFC 3339
}

const (
	defaultAPI    = "http://localhost:5000"
	defaultSocket = "ws://localhost:8080/ws"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ~/.whisper, or $WHISPER_HOME when set, creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("WHISPER_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".whisper")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (*Config, error) {
	cfg := &Config{Server: ConfigServer{API: defaultAPI, Socket: defaultSocket}}

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field using dot notation, e.g. "server.api".
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.api)")
	}

	switch section {
	case "server":
		switch field {
		case "api":
			cfg.Server.API = value
		case "socket":
			cfg.Server.Socket = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server)", section)
	}
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcli configuration",
	Long:  "View or modify the configuration stored in ~/.whisper/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("server.api    = %s\n", cfg.Server.API)
		fmt.Printf("server.socket = %s\n", cfg.Server.Socket)
		if cfg.Auth.Token == "" {
			fmt.Println("auth          = (logged out)")
			return nil
		}
		fmt.Printf("auth.user     = %s <%s> (%s)\n", cfg.Auth.Name, cfg.Auth.Email, cfg.Auth.UserID)
		fmt.Printf("auth.token    = %s\n", maskToken(cfg.Auth.Token))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatcli config set server.api https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

func maskToken(tok string) string {
	if len(tok) <= 12 {
		return "****"
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}
