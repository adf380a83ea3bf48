// Package config provides configuration loading and management for neuroseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"neuroseg/pkg/artifacts"
)

// Environment variables that override the object store credentials
const (
	EnvMinioAccessKey = "NEUROSEG_MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "NEUROSEG_MINIO_SECRET_KEY"
)

// Artifact store backends
const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// HTTP adapter parameters
	Server struct {
		// Listen is the address the HTTP server binds to
		Listen string `yaml:"listen"`

		// CORSOrigins lists the origins allowed to call the API; "*" allows any
		CORSOrigins []string `yaml:"corsOrigins"`

		// RequestTimeout bounds the handling of one request
		RequestTimeout time.Duration `yaml:"requestTimeout"`

		// MaxBodyMB limits the size of request bodies
		MaxBodyMB int `yaml:"maxBodyMB"`
	} `yaml:"server"`

	// Data layout
	Data struct {
		// Root is the directory (or bucket prefix) holding volumes, scenes and models
		Root string `yaml:"root"`

		// ModelsDir is the models directory relative to Root
		ModelsDir string `yaml:"modelsDir"`
	} `yaml:"data"`

	// Artifact store parameters
	Artifacts struct {
		// Backend is "local" or "minio"
		Backend string `yaml:"backend"`

		Minio struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"accessKey"`
			SecretKey string `yaml:"secretKey"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			UseSSL    bool   `yaml:"useSSL"`
		} `yaml:"minio"`
	} `yaml:"artifacts"`

	// Model execution parameters
	Inference struct {
		// Device is handed to model backends, e.g. "cpu" or "cuda:0"
		Device string `yaml:"device"`

		// DeviceSlots is how many forward passes may share the device
		DeviceSlots int64 `yaml:"deviceSlots"`

		// ModelCacheSize is how many loaded models are kept; 0 reloads per call
		ModelCacheSize int `yaml:"modelCacheSize"`

		// DefaultStride applies to models whose descriptor sets none
		DefaultStride int `yaml:"defaultStride"`
	} `yaml:"inference"`

	// Session store parameters
	Sessions struct {
		// Enabled lets clients omit the volume after the first call of a session
		Enabled bool `yaml:"enabled"`

		// CacheMB is the memory budget of the session store
		CacheMB int `yaml:"cacheMB"`

		// TTL is how long an idle session is kept
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"sessions"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "text" or "json"
		Format string `yaml:"format"`

		// File enables a rotating log file instead of stderr
		File string `yaml:"file"`

		MaxSizeMB  int `yaml:"maxSizeMB"`
		MaxAgeDays int `yaml:"maxAgeDays"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default server parameters
	cfg.Server.Listen = ":8000"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Server.RequestTimeout = 5 * time.Minute
	cfg.Server.MaxBodyMB = 512

	// Set default data layout
	cfg.Data.Root = "data"
	cfg.Data.ModelsDir = "models"

	// Set default artifact store
	cfg.Artifacts.Backend = BackendLocal
	cfg.Artifacts.Minio.Bucket = "neuroseg"

	// Set default inference parameters
	cfg.Inference.Device = "cpu"
	cfg.Inference.DeviceSlots = 1
	cfg.Inference.ModelCacheSize = 4
	cfg.Inference.DefaultStride = 16

	// Sessions are off by default: every call carries its own volume
	cfg.Sessions.Enabled = false
	cfg.Sessions.CacheMB = 1024
	cfg.Sessions.TTL = 30 * time.Minute

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 28

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration.
// Credentials from the environment take precedence over the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv(EnvMinioAccessKey); v != "" {
		cfg.Artifacts.Minio.AccessKey = v
	}
	if v := os.Getenv(EnvMinioSecretKey); v != "" {
		cfg.Artifacts.Minio.SecretKey = v
	}
}

// Validate checks the values are usable
func (cfg *Config) Validate() error {
	if cfg.Server.MaxBodyMB <= 0 {
		return fmt.Errorf("server.maxBodyMB must be positive")
	}
	if cfg.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.requestTimeout must not be negative")
	}
	switch cfg.Artifacts.Backend {
	case BackendLocal:
		if cfg.Data.Root == "" {
			return fmt.Errorf("data.root is required for the local backend")
		}
	case BackendMinio:
		if cfg.Artifacts.Minio.Endpoint == "" || cfg.Artifacts.Minio.Bucket == "" {
			return fmt.Errorf("artifacts.minio.endpoint and bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend %q", cfg.Artifacts.Backend)
	}
	if _, err := artifacts.CleanKey(cfg.Data.ModelsDir); err != nil {
		return fmt.Errorf("data.modelsDir must be a subdirectory of the data root: %w", err)
	}
	if cfg.Inference.DeviceSlots < 1 {
		return fmt.Errorf("inference.deviceSlots must be at least 1")
	}
	if cfg.Inference.ModelCacheSize < 0 {
		return fmt.Errorf("inference.modelCacheSize must not be negative")
	}
	if cfg.Inference.DefaultStride < 1 {
		return fmt.Errorf("inference.defaultStride must be at least 1")
	}
	if cfg.Sessions.Enabled && cfg.Sessions.CacheMB <= 0 {
		return fmt.Errorf("sessions.cacheMB must be positive when sessions are enabled")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file; it may hold credentials
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
