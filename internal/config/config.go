// Package config loads papermill configuration from YAML, environment
// variables, and defaults, with hot reload on file change.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	cm.v.SetDefault("server.host", defaults.Server.Host)
	cm.v.SetDefault("server.port", defaults.Server.Port)
	cm.v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	cm.v.SetDefault("storage.sync_writes", defaults.Storage.SyncWrites)
	cm.v.SetDefault("queue.max_concurrent", defaults.Queue.MaxConcurrent)
	cm.v.SetDefault("queue.retention_hours", defaults.Queue.RetentionHours)
	cm.v.SetDefault("queue.sweep_minutes", defaults.Queue.SweepMinutes)
	cm.v.SetDefault("processing.default_language", defaults.Processing.DefaultLanguage)
	cm.v.SetDefault("processing.chunk_pages", defaults.Processing.ChunkPages)
	cm.v.SetDefault("processing.work_dir", defaults.Processing.WorkDir)
	cm.v.SetDefault("engines", defaults.Engines)
	cm.v.SetDefault("chunking.max_chunk_size", defaults.Chunking.MaxChunkSize)
	cm.v.SetDefault("chunking.overlap", defaults.Chunking.Overlap)
	cm.v.SetDefault("validation.thresholds", defaults.Validation.Thresholds)
	cm.v.SetDefault("validation.max_attempts", defaults.Validation.MaxAttempts)
	cm.v.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)
	cm.v.SetDefault("retry.backoff_cap_seconds", defaults.Retry.BackoffCapSeconds)
	cm.v.SetDefault("retry.soft_deadline_minutes", defaults.Retry.SoftDeadlineMinutes)
	cm.v.SetDefault("retry.hard_deadline_minutes", defaults.Retry.HardDeadlineMinutes)
	cm.v.SetDefault("embeddings.enabled", defaults.Embeddings.Enabled)
	cm.v.SetDefault("embeddings.model", defaults.Embeddings.Model)
	cm.v.SetDefault("embeddings.api_key", defaults.Embeddings.APIKey)

	// Environment variables with PAPERMILL_ prefix,
	// e.g. PAPERMILL_SERVER_PORT overrides server.port.
	cm.v.SetEnvPrefix("PAPERMILL")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.papermill")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Papermill configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export MISTRAL_API_KEY=xxx OPENAI_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
