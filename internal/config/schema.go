package config

import (
	"time"

	"github.com/mgiraud/papermill/internal/retry"
	"github.com/mgiraud/papermill/internal/validation"
)

// Config holds papermill configuration.
// Stored at: {data_dir}/config.yaml
type Config struct {
	Server     ServerCfg            `mapstructure:"server" yaml:"server"`
	Storage    StorageCfg           `mapstructure:"storage" yaml:"storage"`
	Queue      QueueCfg             `mapstructure:"queue" yaml:"queue"`
	Processing ProcessingCfg        `mapstructure:"processing" yaml:"processing"`
	Engines    map[string]EngineCfg `mapstructure:"engines" yaml:"engines"`
	Chunking   ChunkingCfg          `mapstructure:"chunking" yaml:"chunking"`
	Validation ValidationCfg        `mapstructure:"validation" yaml:"validation"`
	Retry      RetryCfg             `mapstructure:"retry" yaml:"retry"`
	Embeddings EmbeddingsCfg        `mapstructure:"embeddings" yaml:"embeddings"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StorageCfg configures the badger store.
type StorageCfg struct {
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// QueueCfg configures the task queue.
type QueueCfg struct {
	MaxConcurrent  int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	RetentionHours int `mapstructure:"retention_hours" yaml:"retention_hours"`
	SweepMinutes   int `mapstructure:"sweep_minutes" yaml:"sweep_minutes"`
}

// ProcessingCfg configures document processing.
type ProcessingCfg struct {
	// DefaultLanguage is the ISO 639-2 code assumed when a task does not
	// specify one.
	DefaultLanguage string `mapstructure:"default_language" yaml:"default_language"`
	// ChunkPages is the page-range size for chunked processing.
	ChunkPages int `mapstructure:"chunk_pages" yaml:"chunk_pages"`
	// WorkDir holds per-chunk intermediate files. Empty means a
	// temporary directory.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// EngineCfg configures one OCR engine.
type EngineCfg struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	PageCost  float64  `mapstructure:"page_cost" yaml:"page_cost"`   // relative cost per page
	Accuracy  float64  `mapstructure:"accuracy" yaml:"accuracy"`     // expected confidence (0-1)
	Languages []string `mapstructure:"languages" yaml:"languages"`   // supported languages
	APIKey    string   `mapstructure:"api_key" yaml:"api_key"`       // supports ${ENV_VAR} syntax
	RateLimit float64  `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
}

// ChunkingCfg configures text chunking for indexing.
type ChunkingCfg struct {
	MaxChunkSize int `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`
	Overlap      int `mapstructure:"overlap" yaml:"overlap"`
}

// ThresholdCfg is one content type's confidence thresholds.
type ThresholdCfg struct {
	Acceptable float64 `mapstructure:"acceptable" yaml:"acceptable"`
	Warning    float64 `mapstructure:"warning" yaml:"warning"`
	Critical   float64 `mapstructure:"critical" yaml:"critical"`
}

// ValidationCfg configures result validation and reprocessing.
type ValidationCfg struct {
	Thresholds  map[string]ThresholdCfg `mapstructure:"thresholds" yaml:"thresholds"`
	MaxAttempts int                     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RetryCfg configures the retry supervisor.
type RetryCfg struct {
	MaxRetries          int `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffCapSeconds   int `mapstructure:"backoff_cap_seconds" yaml:"backoff_cap_seconds"`
	SoftDeadlineMinutes int `mapstructure:"soft_deadline_minutes" yaml:"soft_deadline_minutes"`
	HardDeadlineMinutes int `mapstructure:"hard_deadline_minutes" yaml:"hard_deadline_minutes"`
}

// EmbeddingsCfg configures semantic chunk embeddings.
type EmbeddingsCfg struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Storage: StorageCfg{
			DataDir:    "data",
			SyncWrites: true,
		},
		Queue: QueueCfg{
			MaxConcurrent:  3,
			RetentionHours: 24,
			SweepMinutes:   10,
		},
		Processing: ProcessingCfg{
			DefaultLanguage: "fra",
			ChunkPages:      5,
		},
		Engines: map[string]EngineCfg{
			"tesseract": {
				Enabled:   true,
				PageCost:  1.0,
				Accuracy:  0.80,
				Languages: []string{"fra", "eng"},
			},
			"mistral-ocr": {
				Enabled:   true,
				PageCost:  4.0,
				Accuracy:  0.95,
				APIKey:    "${MISTRAL_API_KEY}",
				RateLimit: 6.0,
			},
		},
		Chunking: ChunkingCfg{
			MaxChunkSize: 1000,
			Overlap:      100,
		},
		Validation: ValidationCfg{
			Thresholds:  defaultThresholdCfg(),
			MaxAttempts: 3,
		},
		Retry: RetryCfg{
			MaxRetries:          3,
			BackoffCapSeconds:   30,
			SoftDeadlineMinutes: 10,
			HardDeadlineMinutes: 15,
		},
		Embeddings: EmbeddingsCfg{
			Enabled: false,
			Model:   "text-embedding-3-small",
			APIKey:  "${OPENAI_API_KEY}",
		},
	}
}

func defaultThresholdCfg() map[string]ThresholdCfg {
	out := make(map[string]ThresholdCfg, len(validation.DefaultThresholds))
	for ct, th := range validation.DefaultThresholds {
		out[string(ct)] = ThresholdCfg{
			Acceptable: th.Acceptable,
			Warning:    th.Warning,
			Critical:   th.Critical,
		}
	}
	return out
}

// EnabledEngines returns all enabled engine configs.
func (c *Config) EnabledEngines() map[string]EngineCfg {
	result := make(map[string]EngineCfg)
	for name, cfg := range c.Engines {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// ToThresholds converts the threshold section into the detector's form.
// Unknown content type names are ignored.
func (c *Config) ToThresholds() map[validation.ContentType]validation.Thresholds {
	out := make(map[validation.ContentType]validation.Thresholds, len(c.Validation.Thresholds))
	for name, th := range c.Validation.Thresholds {
		ct := validation.ContentType(name)
		if _, known := validation.DefaultThresholds[ct]; !known {
			continue
		}
		out[ct] = validation.Thresholds{
			Acceptable: th.Acceptable,
			Warning:    th.Warning,
			Critical:   th.Critical,
		}
	}
	return out
}

// ToRetryPolicy converts the retry section into a supervisor policy.
// The caller supplies PassThrough.
func (c *Config) ToRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.Retry.MaxRetries,
		BackoffCap:   time.Duration(c.Retry.BackoffCapSeconds) * time.Second,
		SoftDeadline: time.Duration(c.Retry.SoftDeadlineMinutes) * time.Minute,
		HardDeadline: time.Duration(c.Retry.HardDeadlineMinutes) * time.Minute,
	}
}

// Retention returns the terminal-task retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionHours) * time.Hour
}

// SweepInterval returns the retention GC period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepMinutes) * time.Minute
}
