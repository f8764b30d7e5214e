package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	API     APIConfig     `toml:"api"`
	Player  PlayerConfig  `toml:"player"`
	History HistoryConfig `toml:"history"`
	Server  ServerConfig  `toml:"server"`
	Ngrok   NgrokConfig   `toml:"ngrok"`
	Logging LoggingConfig `toml:"logging"`
}

// APIConfig describes the remote playlist/reaction API the engine talks to.
// Path templates substitute {id} with the entry id.
type APIConfig struct {
	BaseURL         string `toml:"base_url"`
	PlaylistPath    string `toml:"playlist_path"`
	LikePath        string `toml:"like_path"`
	DislikePath     string `toml:"dislike_path"`
	ImpressionPath  string `toml:"impression_path"`
	NotPlayablePath string `toml:"not_playable_path"`
	BearerToken     string `toml:"bearer_token"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// PlayerConfig contains playback engine settings
type PlayerConfig struct {
	PreloadBudget    int       `toml:"preload_budget"` // upcoming entries to warm, 0 disables
	CacheCapacity    int       `toml:"cache_capacity"`
	Autoplay         bool      `toml:"autoplay"`
	AutoAdvance      bool      `toml:"auto_advance"`
	Loop             bool      `toml:"loop"`
	DebugOverlay     bool      `toml:"debug_overlay"`
	PlaybackRates    []float64 `toml:"playback_rates"`
	MaxRetries       int       `toml:"max_retries"`
	TransitionMillis int       `toml:"transition_millis"`
}

// HistoryConfig contains watch-history persistence configuration
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ServerConfig contains settings for the bundled mock API / stream proxy server
type ServerConfig struct {
	Port         string `toml:"port"`
	Host         string `toml:"host"`
	MediaDir     string `toml:"media_dir"`
	UpstreamBase string `toml:"upstream_base"`
	EnableCORS   bool   `toml:"enable_cors"`
	ReadTimeout  int    `toml:"read_timeout_seconds"`
}

// NgrokConfig contains ngrok tunnel configuration. A non-empty
// OAuthProvider gates the public endpoint behind that provider's login.
type NgrokConfig struct {
	Enabled       bool   `toml:"enabled"`
	AuthToken     string `toml:"auth_token"`
	Domain        string `toml:"domain"`
	OAuthProvider string `toml:"oauth_provider"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:         "http://localhost:8000",
			PlaylistPath:    "/api/v1/playlist",
			LikePath:        "/api/v1/videos/{id}/like",
			DislikePath:     "/api/v1/videos/{id}/dislike",
			ImpressionPath:  "/api/v1/videos/{id}/impression",
			NotPlayablePath: "/api/v1/videos/{id}/not-playable",
			BearerToken:     "",
			TimeoutSeconds:  10,
		},
		Player: PlayerConfig{
			PreloadBudget:    3,
			CacheCapacity:    10,
			Autoplay:         true,
			AutoAdvance:      true,
			Loop:             false,
			DebugOverlay:     false,
			PlaybackRates:    []float64{0.5, 0.75, 1, 1.5, 2, 3},
			MaxRetries:       2,
			TransitionMillis: 320,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./flickfeed.db",
		},
		Server: ServerConfig{
			Port:         "8000",
			Host:         "0.0.0.0",
			MediaDir:     "./videos",
			UpstreamBase: "",
			EnableCORS:   true,
			ReadTimeout:  30,
		},
		Ngrok: NgrokConfig{
			Enabled:       false,
			AuthToken:     "",
			Domain:        "",
			OAuthProvider: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults. The token is
		// never written to the file, only read from the environment.
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		cfg.API.BearerToken = os.Getenv("FLICKFEED_API_TOKEN")
		return cfg, nil
	}

	// Load from file
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// The bearer token may come from the environment instead of the file
	if cfg.API.BearerToken == "" {
		cfg.API.BearerToken = os.Getenv("FLICKFEED_API_TOKEN")
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create or open file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Write header comment
	header := `# Flickfeed Configuration
# This file contains all configuration options for the flickfeed playback
# engine and its bundled playlist/proxy server.
# Edit the values below to customize your settings.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	// Encode configuration to TOML
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate API config
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base URL cannot be empty")
	}
	if c.API.PlaylistPath == "" {
		return fmt.Errorf("api playlist path cannot be empty")
	}
	for name, tmpl := range map[string]string{
		"like":         c.API.LikePath,
		"dislike":      c.API.DislikePath,
		"impression":   c.API.ImpressionPath,
		"not_playable": c.API.NotPlayablePath,
	} {
		if !strings.Contains(tmpl, "{id}") {
			return fmt.Errorf("api %s path must contain the {id} placeholder", name)
		}
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}

	// Validate player config
	if c.Player.PreloadBudget < 0 || c.Player.PreloadBudget > 5 {
		return fmt.Errorf("preload budget must be between 0 and 5")
	}
	if c.Player.CacheCapacity < 1 {
		return fmt.Errorf("cache capacity must be at least 1")
	}
	if c.Player.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if len(c.Player.PlaybackRates) == 0 {
		return fmt.Errorf("at least one playback rate must be specified")
	}

	// Validate history config
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history path cannot be empty when history is enabled")
	}

	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// TransitionWindow returns the slide transition duration as a time.Duration.
func (c *Config) TransitionWindow() time.Duration {
	return time.Duration(c.Player.TransitionMillis) * time.Millisecond
}
