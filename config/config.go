// Package config provides configuration loading and management for Noesis.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"noesis/ingest"
	"noesis/vocabulary"
	"noesis/watch"
)

// Config represents the complete Noesis configuration
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Events     EventsConfig     `yaml:"events"`
	Watcher    WatcherConfig    `yaml:"watcher"`
}

// StorageConfig locates the SQLite databases
type StorageConfig struct {
	// DataDir is the base directory for all databases (default: ~/.local/share/noesis)
	DataDir string `yaml:"data_dir"`
	// GraphDB overrides the graph database path (default: <data_dir>/graph.db)
	GraphDB string `yaml:"graph_db"`
	// JobsDB overrides the job queue database path (default: <data_dir>/jobs.db)
	JobsDB string `yaml:"jobs_db"`
}

// SchedulerConfig tunes the worker pool and queue maintenance
type SchedulerConfig struct {
	// Workers is the number of concurrent job workers
	Workers int `yaml:"workers"`
	// PollInterval is how long an idle worker waits between claims
	PollInterval time.Duration `yaml:"poll_interval"`
	// JobTimeout caps per-job wall-clock time
	JobTimeout time.Duration `yaml:"job_timeout"`
	// CleanupInterval is the cadence of expiry and retention sweeps
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// CompletedRetention is how long completed jobs are kept
	CompletedRetention time.Duration `yaml:"completed_retention"`
	// FailedRetention is how long failed jobs are kept
	FailedRetention time.Duration `yaml:"failed_retention"`
}

// IngestionConfig tunes chunking and the approval gate
type IngestionConfig struct {
	Chunking ingest.ChunkOptions `yaml:"chunking"`
	// ParallelWorkers bounds the chunk pool for parallel-mode jobs
	ParallelWorkers int `yaml:"parallel_workers"`
	// ContextConcepts is how many recent concepts prime each extraction
	ContextConcepts int `yaml:"context_concepts"`
	// AutoApproveMaxCost is the dollar ceiling for auto-approval
	AutoApproveMaxCost float64 `yaml:"auto_approve_max_cost"`
	// AutoApproveMaxChunks is the chunk ceiling for auto-approval
	AutoApproveMaxChunks int `yaml:"auto_approve_max_chunks"`
}

// ExtractionConfig configures the LLM endpoints
type ExtractionConfig struct {
	// Endpoint is an OpenAI-compatible API base URL
	Endpoint string `yaml:"endpoint"`
	// Model is the extraction model name
	Model string `yaml:"model"`
	// EmbeddingModel is the embedding model name
	EmbeddingModel string `yaml:"embedding_model"`
	// VisionModel enables image ingestion when set
	VisionModel string `yaml:"vision_model"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// CostPerMTok prices token spend, dollars per million tokens
	CostPerMTok float64 `yaml:"cost_per_mtok"`
}

// VocabularyConfig bounds the relationship-type vocabulary
type VocabularyConfig struct {
	Thresholds vocabulary.Thresholds `yaml:"thresholds"`
	// Profile names the aggressiveness curve
	Profile string `yaml:"profile"`
	// StrongSimilarity is the auto-merge synonym cutoff
	StrongSimilarity float64 `yaml:"strong_similarity"`
	// ModerateSimilarity is the review-required synonym cutoff
	ModerateSimilarity float64 `yaml:"moderate_similarity"`
}

// EventsConfig configures the NATS connection
type EventsConfig struct {
	// URL is the NATS server URL (empty = events disabled)
	URL string `yaml:"url"`
}

// WatcherConfig configures the drop-folder watcher
type WatcherConfig struct {
	// Enabled turns the watcher on
	Enabled bool          `yaml:"enabled"`
	Options watch.Options `yaml:",inline"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			Workers:            3,
			PollInterval:       time.Second,
			JobTimeout:         30 * time.Minute,
			CleanupInterval:    time.Hour,
			CompletedRetention: 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
		},
		Ingestion: IngestionConfig{
			Chunking:             ingest.DefaultChunkOptions(),
			ParallelWorkers:      4,
			ContextConcepts:      15,
			AutoApproveMaxCost:   1.0,
			AutoApproveMaxChunks: 25,
		},
		Extraction: ExtractionConfig{
			Endpoint:       "http://localhost:11434/v1",
			Model:          "qwen2.5:14b",
			EmbeddingModel: "nomic-embed-text",
			APIKeyEnv:      "NOESIS_API_KEY",
			Temperature:    0.2,
			Timeout:        3 * time.Minute,
			CostPerMTok:    0,
		},
		Vocabulary: VocabularyConfig{
			Thresholds:         vocabulary.DefaultThresholds(),
			Profile:            "ease-in-out",
			StrongSimilarity:   0.90,
			ModerateSimilarity: 0.70,
		},
		Events: EventsConfig{
			URL: "",
		},
		Watcher: WatcherConfig{
			Enabled: false,
		},
	}
}

// GraphDBPath resolves the graph database location
func (c *Config) GraphDBPath() string {
	if c.Storage.GraphDB != "" {
		return c.Storage.GraphDB
	}
	return filepath.Join(c.Storage.DataDir, "graph.db")
}

// JobsDBPath resolves the job queue database location
func (c *Config) JobsDBPath() string {
	if c.Storage.JobsDB != "" {
		return c.Storage.JobsDB
	}
	return filepath.Join(c.Storage.DataDir, "jobs.db")
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" && (c.Storage.GraphDB == "" || c.Storage.JobsDB == "") {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.JobTimeout <= 0 {
		return fmt.Errorf("scheduler.job_timeout must be positive")
	}
	if err := c.Ingestion.Chunking.Validate(); err != nil {
		return fmt.Errorf("ingestion.chunking: %w", err)
	}
	if c.Extraction.Endpoint == "" {
		return fmt.Errorf("extraction.endpoint is required")
	}
	if c.Extraction.Model == "" {
		return fmt.Errorf("extraction.model is required")
	}
	if c.Extraction.Temperature < 0 || c.Extraction.Temperature > 1 {
		return fmt.Errorf("extraction.temperature must be between 0 and 1")
	}
	if err := c.Vocabulary.Thresholds.Validate(); err != nil {
		return fmt.Errorf("vocabulary.thresholds: %w", err)
	}
	if _, err := vocabulary.Profile(c.Vocabulary.Profile); err != nil {
		return fmt.Errorf("vocabulary.profile: %w", err)
	}
	if c.Watcher.Enabled {
		if err := c.Watcher.Options.Validate(); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Storage
	if other.Storage.DataDir != "" {
		c.Storage.DataDir = other.Storage.DataDir
	}
	if other.Storage.GraphDB != "" {
		c.Storage.GraphDB = other.Storage.GraphDB
	}
	if other.Storage.JobsDB != "" {
		c.Storage.JobsDB = other.Storage.JobsDB
	}

	// Scheduler
	if other.Scheduler.Workers != 0 {
		c.Scheduler.Workers = other.Scheduler.Workers
	}
	if other.Scheduler.PollInterval != 0 {
		c.Scheduler.PollInterval = other.Scheduler.PollInterval
	}
	if other.Scheduler.JobTimeout != 0 {
		c.Scheduler.JobTimeout = other.Scheduler.JobTimeout
	}
	if other.Scheduler.CleanupInterval != 0 {
		c.Scheduler.CleanupInterval = other.Scheduler.CleanupInterval
	}
	if other.Scheduler.CompletedRetention != 0 {
		c.Scheduler.CompletedRetention = other.Scheduler.CompletedRetention
	}
	if other.Scheduler.FailedRetention != 0 {
		c.Scheduler.FailedRetention = other.Scheduler.FailedRetention
	}

	// Ingestion
	if other.Ingestion.Chunking.TargetWords != 0 {
		c.Ingestion.Chunking = other.Ingestion.Chunking
	}
	if other.Ingestion.ParallelWorkers != 0 {
		c.Ingestion.ParallelWorkers = other.Ingestion.ParallelWorkers
	}
	if other.Ingestion.ContextConcepts != 0 {
		c.Ingestion.ContextConcepts = other.Ingestion.ContextConcepts
	}
	if other.Ingestion.AutoApproveMaxCost != 0 {
		c.Ingestion.AutoApproveMaxCost = other.Ingestion.AutoApproveMaxCost
	}
	if other.Ingestion.AutoApproveMaxChunks != 0 {
		c.Ingestion.AutoApproveMaxChunks = other.Ingestion.AutoApproveMaxChunks
	}

	// Extraction
	if other.Extraction.Endpoint != "" {
		c.Extraction.Endpoint = other.Extraction.Endpoint
	}
	if other.Extraction.Model != "" {
		c.Extraction.Model = other.Extraction.Model
	}
	if other.Extraction.EmbeddingModel != "" {
		c.Extraction.EmbeddingModel = other.Extraction.EmbeddingModel
	}
	if other.Extraction.VisionModel != "" {
		c.Extraction.VisionModel = other.Extraction.VisionModel
	}
	if other.Extraction.APIKeyEnv != "" {
		c.Extraction.APIKeyEnv = other.Extraction.APIKeyEnv
	}
	if other.Extraction.Temperature != 0 {
		c.Extraction.Temperature = other.Extraction.Temperature
	}
	if other.Extraction.Timeout != 0 {
		c.Extraction.Timeout = other.Extraction.Timeout
	}
	if other.Extraction.CostPerMTok != 0 {
		c.Extraction.CostPerMTok = other.Extraction.CostPerMTok
	}

	// Vocabulary
	if other.Vocabulary.Thresholds.Max != 0 {
		c.Vocabulary.Thresholds = other.Vocabulary.Thresholds
	}
	if other.Vocabulary.Profile != "" {
		c.Vocabulary.Profile = other.Vocabulary.Profile
	}
	if other.Vocabulary.StrongSimilarity != 0 {
		c.Vocabulary.StrongSimilarity = other.Vocabulary.StrongSimilarity
	}
	if other.Vocabulary.ModerateSimilarity != 0 {
		c.Vocabulary.ModerateSimilarity = other.Vocabulary.ModerateSimilarity
	}

	// Events
	if other.Events.URL != "" {
		c.Events.URL = other.Events.URL
	}

	// Watcher
	if other.Watcher.Enabled {
		c.Watcher.Enabled = true
	}
	if other.Watcher.Options.Dir != "" {
		c.Watcher.Options = other.Watcher.Options
	}
}

// defaultDataDir returns ~/.local/share/noesis, falling back to a relative
// directory when the home directory is unknown
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "noesis-data"
	}
	return filepath.Join(home, ".local", "share", "noesis")
}
