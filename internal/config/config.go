// Package config handles loading and managing mailroom configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DataConfig holds local data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// ProviderConfig holds mail provider API configuration.
type ProviderConfig struct {
	ClientID        string `toml:"client_id"`
	ClientSecret    string `toml:"client_secret"`
	RedirectURL     string `toml:"redirect_url"`
	RateLimitQPS    int    `toml:"rate_limit_qps"`
	MailBaseURL     string `toml:"mail_base_url"`     // Override for testing
	CalendarBaseURL string `toml:"calendar_base_url"` // Override for testing
}

// StorageConfig holds attachment blob storage configuration.
type StorageConfig struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"` // For MinIO and other S3-compatible stores
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	KeyPrefix       string `toml:"key_prefix"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	BindAddr        string   `toml:"bind_addr"` // Default: 127.0.0.1
	APIPort         int      `toml:"api_port"`  // Default: 8080
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	CORSCredentials bool     `toml:"cors_credentials"`
	CORSMaxAge      int      `toml:"cors_max_age"`
}

// WarmAccount defines a mailbox whose first page is pre-fetched on a schedule
// so interactive list requests land on a fresh provider session.
type WarmAccount struct {
	UserID   string `toml:"user_id"`
	Schedule string `toml:"schedule"` // Cron expression, e.g. "*/15 * * * *"
	Enabled  bool   `toml:"enabled"`
}

// Config represents the mailroom configuration.
type Config struct {
	Data     DataConfig     `toml:"data"`
	Provider ProviderConfig `toml:"provider"`
	Storage  StorageConfig  `toml:"storage"`
	Server   ServerConfig   `toml:"server"`
	Warm     []WarmAccount  `toml:"warm"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default mailroom home directory.
// Respects MAILROOM_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILROOM_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailroom"
	}
	return filepath.Join(home, ".mailroom")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailroom/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Provider: ProviderConfig{
			RateLimitQPS: 5,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Server: ServerConfig{
			BindAddr: "127.0.0.1",
			APIPort:  8080,
		},
		Warm: []WarmAccount{},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	return cfg, nil
}

// DatabasePath returns the path to the SQLite connections database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "mailroom.db")
}

// WarmAccounts returns accounts with warming enabled.
func (c *Config) WarmAccounts() []WarmAccount {
	var enabled []WarmAccount
	for _, acc := range c.Warm {
		if acc.Enabled && acc.Schedule != "" {
			enabled = append(enabled, acc)
		}
	}
	return enabled
}

// ValidateSecure rejects configurations that expose the API without
// authentication.
func (c *ServerConfig) ValidateSecure() error {
	local := c.BindAddr == "" || c.BindAddr == "127.0.0.1" || c.BindAddr == "localhost" || c.BindAddr == "::1"
	if !local && c.APIKey == "" {
		return fmt.Errorf("refusing to bind to %s without an api_key; set [server] api_key in config.toml", c.BindAddr)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
