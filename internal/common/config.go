// Package common provides shared utilities for the storywell-api service.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for storywell-api.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Worker      WorkerConfig  `toml:"worker"`
	Clients     ClientsConfig `toml:"clients"`
	Notify      NotifyConfig  `toml:"notify"`
	Logging     LoggingConfig `toml:"logging"`
	Auth        AuthConfig    `toml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds connection settings for the Job Store (SurrealDB) and
// the Device Token Registry (BadgerHold).
type StorageConfig struct {
	Address    string `toml:"address"`     // SurrealDB ws(s):// endpoint
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Namespace  string `toml:"namespace"`
	Database   string `toml:"database"`
	BadgerPath string `toml:"badger_path"` // on-disk path for the device token store
}

// PoolConfig configures one worker pool's concurrency and lease/poll timing.
type PoolConfig struct {
	Concurrency   int    `toml:"concurrency"`
	LeaseSeconds  int    `toml:"lease_seconds"`
	PollInterval  string `toml:"poll_interval"`
}

// GetLeaseDuration returns the lease duration, defaulting to 30s.
func (c *PoolConfig) GetLeaseDuration() time.Duration {
	if c.LeaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

// GetPollInterval parses and returns the poll interval, defaulting to 1s.
func (c *PoolConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// WorkerConfig holds per-kind worker pool sizing plus retention and stall
// sweep settings (spec §4.2, §4.3).
type WorkerConfig struct {
	StoryForPrompt        PoolConfig `toml:"story_for_prompt"`
	StoryForChild         PoolConfig `toml:"story_for_child"`
	VoiceClone            PoolConfig `toml:"voice_clone"`
	StalledSweepInterval  string     `toml:"stalled_sweep_interval"`
	SucceededRetention    string     `toml:"succeeded_retention"` // how long a succeeded job's result stays fetchable
	FailedRetention       string     `toml:"failed_retention"`
}

// GetStalledSweepInterval parses and returns the stalled-lease sweep interval, defaulting to 15s.
func (c *WorkerConfig) GetStalledSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.StalledSweepInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetSucceededRetention parses and returns how long succeeded job results remain fetchable, defaulting to 2h (spec §6).
func (c *WorkerConfig) GetSucceededRetention() time.Duration {
	d, err := time.ParseDuration(c.SucceededRetention)
	if err != nil {
		return 2 * time.Hour
	}
	return d
}

// GetFailedRetention parses and returns how long failed jobs remain queryable, defaulting to 24h (spec §6).
func (c *WorkerConfig) GetFailedRetention() time.Duration {
	d, err := time.ParseDuration(c.FailedRetention)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ClientsConfig holds API client configurations for the Generator.
type ClientsConfig struct {
	Gemini GeminiConfig `toml:"gemini"`
}

// GeminiConfig holds Gemini API configuration used by the story/voice Generator.
type GeminiConfig struct {
	APIKey       string `toml:"api_key"`
	TextModel    string `toml:"text_model"`
	ImageModel   string `toml:"image_model"`
	VoiceModel   string `toml:"voice_model"`
	Timeout      string `toml:"timeout"`
}

// GetTimeout parses and returns the per-call timeout, defaulting to 60s.
func (c *GeminiConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// NotifyConfig holds the Notification Dispatcher's push and email fallback
// settings (spec §4.5.2).
type NotifyConfig struct {
	PushEndpoint   string `toml:"push_endpoint"`
	PushAPIKey     string `toml:"push_api_key"`
	SMTPHost       string `toml:"smtp_host"`
	SMTPPort       int    `toml:"smtp_port"`
	SMTPUsername   string `toml:"smtp_username"`
	SMTPPassword   string `toml:"smtp_password"`
	FromAddress    string `toml:"from_address"`
}

// AuthConfig holds authentication configuration for bearer JWT issuance and
// verification, plus the bcrypt-hashed credentials gating the operator
// surface and device registration (spec §11 domain stack).
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"

	// AdminCredentialHash is a bcrypt hash compared against the
	// X-Admin-Key header on /admin/* routes. Empty disables the admin
	// surface entirely.
	AdminCredentialHash string `toml:"admin_credential_hash"`

	// DeviceRegistrationSecretHash is a bcrypt hash compared against the
	// X-Device-Registration-Secret header on POST /devices, an extra
	// shared secret beyond owner bearer auth so a stolen JWT alone cannot
	// register push endpoints. Empty disables the check.
	DeviceRegistrationSecretHash string `toml:"device_registration_secret_hash"`
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:    "ws://localhost:8000/rpc",
			Username:   "root",
			Password:   "root",
			Namespace:  "storywell",
			Database:   "storywell",
			BadgerPath: "data/devicetokens",
		},
		Worker: WorkerConfig{
			StoryForPrompt:       PoolConfig{Concurrency: 3, LeaseSeconds: 30, PollInterval: "1s"},
			StoryForChild:        PoolConfig{Concurrency: 3, LeaseSeconds: 30, PollInterval: "1s"},
			VoiceClone:           PoolConfig{Concurrency: 1, LeaseSeconds: 45, PollInterval: "1s"},
			StalledSweepInterval: "15s",
			SucceededRetention:   "2h",
			FailedRetention:      "24h",
		},
		Clients: ClientsConfig{
			Gemini: GeminiConfig{
				TextModel:  "gemini-2.0-flash",
				ImageModel: "imagen-3.0-generate-001",
				VoiceModel: "gemini-2.0-flash-exp",
				Timeout:    "60s",
			},
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/storywell.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("STORYWELL_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("STORYWELL_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("STORYWELL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("STORYWELL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("STORYWELL_DB_ADDRESS"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("STORYWELL_DB_USERNAME"); v != "" {
		config.Storage.Username = v
	}
	if v := os.Getenv("STORYWELL_DB_PASSWORD"); v != "" {
		config.Storage.Password = v
	}
	if v := os.Getenv("STORYWELL_DB_NAMESPACE"); v != "" {
		config.Storage.Namespace = v
	}
	if v := os.Getenv("STORYWELL_DB_DATABASE"); v != "" {
		config.Storage.Database = v
	}
	if v := os.Getenv("STORYWELL_BADGER_PATH"); v != "" {
		config.Storage.BadgerPath = v
	}

	if v := os.Getenv("STORYWELL_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("STORYWELL_AUTH_TOKEN_EXPIRY"); v != "" {
		config.Auth.TokenExpiry = v
	}
	if v := os.Getenv("STORYWELL_ADMIN_CREDENTIAL_HASH"); v != "" {
		config.Auth.AdminCredentialHash = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Clients.Gemini.APIKey = v
	}
	if v := os.Getenv("STORYWELL_GEMINI_API_KEY"); v != "" {
		config.Clients.Gemini.APIKey = v
	}

	if v := os.Getenv("STORYWELL_PUSH_ENDPOINT"); v != "" {
		config.Notify.PushEndpoint = v
	}
	if v := os.Getenv("STORYWELL_PUSH_API_KEY"); v != "" {
		config.Notify.PushAPIKey = v
	}
	if v := os.Getenv("STORYWELL_SMTP_PASSWORD"); v != "" {
		config.Notify.SMTPPassword = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
