// Package config handles loading and managing mailmux configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	BindAddr        string   `toml:"bind_addr"`        // Listen address (default: 127.0.0.1)
	APIPort         int      `toml:"api_port"`         // HTTP server port (default: 8080)
	APIKey          string   `toml:"api_key"`          // API authentication key
	AllowInsecure   bool     `toml:"allow_insecure"`   // Permit non-loopback bind without an API key
	CORSOrigins     []string `toml:"cors_origins"`     // Allowed origins; empty disables CORS
	CORSCredentials bool     `toml:"cors_credentials"` // Send Access-Control-Allow-Credentials
	CORSMaxAge      int      `toml:"cors_max_age"`     // Preflight cache seconds
}

// ValidateSecure refuses a server configuration that would expose an
// unauthenticated API beyond loopback. AllowInsecure overrides the check
// for deployments that terminate auth elsewhere.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.AllowInsecure {
		return nil
	}
	if isLoopbackAddr(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("refusing to bind %q without an API key; set [server] api_key or allow_insecure = true", s.BindAddr)
}

// isLoopbackAddr reports whether addr only accepts local connections.
// An empty address defaults to loopback at bind time.
func isLoopbackAddr(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
}

// FetchConfig holds aggregation defaults and upstream tuning.
type FetchConfig struct {
	BatchSize    int `toml:"batch_size"`     // Target yield per aggregate call (default: 200)
	PageSize     int `toml:"page_size"`      // Cosmetic page size echoed to clients (default: 50)
	Concurrency  int `toml:"concurrency"`    // Max parallel account queries (default: 8)
	RateLimitQPS int `toml:"rate_limit_qps"` // Gmail client rate limit (default: 5)
}

// MaintenanceConfig holds background maintenance settings.
type MaintenanceConfig struct {
	Enabled        bool   `toml:"enabled"`          // Run maintenance jobs in serve mode
	PruneSchedule  string `toml:"prune_schedule"`   // Cron expression for pattern pruning
	PatternTTLDays int    `toml:"pattern_ttl_days"` // Prune patterns idle longer than this
}

// Config represents the mailmux configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Data        DataConfig        `toml:"data"`
	Fetch       FetchConfig       `toml:"fetch"`
	Maintenance MaintenanceConfig `toml:"maintenance"`

	// Computed at load time, not from the config file.
	HomeDir    string `toml:"-"`
	configPath string `toml:"-"`
}

// DefaultHome returns the default mailmux home directory.
// Respects the MAILMUX_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILMUX_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailmux"
	}
	return filepath.Join(home, ".mailmux")
}

// Load reads the configuration from the specified file. If path is
// empty, the default location (<home>/config.toml) is used; homeDir
// overrides MAILMUX_HOME when non-empty. A missing config file is not
// an error: defaults apply.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir:    homeDir,
		configPath: path,
		Server: ServerConfig{
			BindAddr: "127.0.0.1",
			APIPort:  8080,
		},
		Data: DataConfig{
			DataDir: homeDir,
		},
		Fetch: FetchConfig{
			BatchSize:    200,
			PageSize:     50,
			Concurrency:  8,
			RateLimitQPS: 5,
		},
		Maintenance: MaintenanceConfig{
			Enabled:        true,
			PruneSchedule:  "0 4 * * *",
			PatternTTLDays: 45,
		},
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.Data.DatabasePath = expandPath(cfg.Data.DatabasePath)

	return cfg, nil
}

// ConfigFilePath returns the path the configuration was loaded from (or
// would have been loaded from when the file does not exist).
func (c *Config) ConfigFilePath() string {
	return c.configPath
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0755)
}

// DatabaseDSN returns the path to the SQLite database.
func (c *Config) DatabaseDSN() string {
	if c.Data.DatabasePath != "" {
		return c.Data.DatabasePath
	}
	return filepath.Join(c.Data.DataDir, "mailmux.db")
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
