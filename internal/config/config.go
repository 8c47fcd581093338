package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// Deployment mode: "server" (Postgres + Neo4j) or "local"
	// (SQLite + in-memory graph mirror)
	Mode string `yaml:"mode"`

	// Relational store configuration
	Storage StorageConfig `yaml:"storage"`

	// Graph mirror store configuration
	Graph GraphConfig `yaml:"graph"`

	// Embedding service configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Async task runner configuration
	Tasks TasksConfig `yaml:"tasks"`

	// Analysis result cache configuration
	Results ResultsConfig `yaml:"results"`

	// Gap detection and recommendation settings
	Recommend RecommendConfig `yaml:"recommend"`

	// HTTP API configuration
	API APIConfig `yaml:"api"`
}

type StorageConfig struct {
	Type        string `yaml:"type"` // "postgres", "sqlite"
	PostgresDSN string `yaml:"postgres_dsn"`
	LocalPath   string `yaml:"local_path"`
}

type GraphConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type EmbeddingConfig struct {
	// Dimension is the fixed embedding width D. Feature vectors are
	// always D+1 wide regardless of whether an embedding was computed.
	Dimension   int     `yaml:"dimension"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	CachePath   string  `yaml:"cache_path"` // bbolt vector cache, empty disables
	RatePerSec  float64 `yaml:"rate_per_sec"`
	UseKeychain bool    `yaml:"use_keychain"`
}

type TasksConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	EmbedMaxRetries    int           `yaml:"embed_max_retries"`
	EmbedRetryDelay    time.Duration `yaml:"embed_retry_delay"`
	AnalysisMaxRetries int           `yaml:"analysis_max_retries"`
	AnalysisRetryDelay time.Duration `yaml:"analysis_retry_delay"`
}

type ResultsConfig struct {
	Backend   string        `yaml:"backend"` // "memory", "redis"
	Retention time.Duration `yaml:"retention"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
}

type RecommendConfig struct {
	// MaxRiskScore normalizes raw risk scores into [0,1] features
	// (likelihood 1-5 x impact 1-5 = 25 by default).
	MaxRiskScore float64 `yaml:"max_risk_score"`
	// RiskThreshold is the aggregate linked-risk score above which an
	// uncovered policy counts as a control gap.
	RiskThreshold float64 `yaml:"risk_threshold"`
	// Confidence thresholds mapping to priority tiers
	CriticalThreshold float64 `yaml:"critical_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Mode: "server",
		Storage: StorageConfig{
			Type:      "sqlite",
			LocalPath: filepath.Join(homeDir, ".grcradar", "local.db"),
		},
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
		Embedding: EmbeddingConfig{
			Dimension:  384,
			Model:      "text-embedding-3-small",
			CachePath:  filepath.Join(homeDir, ".grcradar", "embeddings.db"),
			RatePerSec: 5,
		},
		Tasks: TasksConfig{
			Workers:            4,
			QueueSize:          256,
			EmbedMaxRetries:    3,
			EmbedRetryDelay:    5 * time.Second,
			AnalysisMaxRetries: 0, // structural failures are not retryable
			AnalysisRetryDelay: 0,
		},
		Results: ResultsConfig{
			Backend:   "memory",
			Retention: 30 * time.Minute,
		},
		Recommend: RecommendConfig{
			MaxRiskScore:      25,
			RiskThreshold:     15,
			CriticalThreshold: 0.85,
			HighThreshold:     0.70,
			MediumThreshold:   0.50,
		},
		API: APIConfig{
			ListenAddr: ":8084",
		},
	}
}

// Load loads configuration from file, environment, and keychain
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("graph", cfg.Graph)
	v.SetDefault("embedding", cfg.Embedding)
	v.SetDefault("tasks", cfg.Tasks)
	v.SetDefault("results", cfg.Results)
	v.SetDefault("recommend", cfg.Recommend)
	v.SetDefault("api", cfg.API)

	v.SetEnvPrefix("GRCRADAR")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".grcradar")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".grcradar"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Recommend.MaxRiskScore <= 0 {
		return fmt.Errorf("max risk score must be positive, got %f", c.Recommend.MaxRiskScore)
	}
	if c.Tasks.EmbedMaxRetries < 0 {
		return fmt.Errorf("embed max retries must not be negative")
	}
	if c.Results.Retention <= 0 {
		return fmt.Errorf("result retention must be positive")
	}
	switch c.Storage.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local", // Local overrides (highest precedence)
		".env",       // Main environment file
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".grcradar", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	// Embedding configuration
	// Precedence: 1. Env var (highest) 2. Keychain 3. Config file (lowest)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	} else if cfg.Embedding.APIKey == "" && cfg.Embedding.UseKeychain {
		km := NewKeyringManager()
		if keychainKey, err := km.GetAPIKey(); err == nil && keychainKey != "" {
			cfg.Embedding.APIKey = keychainKey
		}
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if url := os.Getenv("EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if dim := os.Getenv("EMBEDDING_DIMENSION"); dim != "" {
		if d, err := strconv.Atoi(dim); err == nil {
			cfg.Embedding.Dimension = d
		}
	}

	// Graph mirror configuration
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Graph.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		cfg.Graph.User = user
	}
	if password := os.Getenv("NEO4J_PASSWORD"); password != "" {
		cfg.Graph.Password = password
	}
	if database := os.Getenv("NEO4J_DATABASE"); database != "" {
		cfg.Graph.Database = database
	}

	// Storage configuration
	if storageType := os.Getenv("STORAGE_TYPE"); storageType != "" {
		cfg.Storage.Type = storageType
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}

	// Result cache configuration
	if backend := os.Getenv("RESULT_BACKEND"); backend != "" {
		cfg.Results.Backend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Results.RedisAddr = addr
	}
	if retention := os.Getenv("RESULT_RETENTION_MINUTES"); retention != "" {
		if minutes, err := strconv.Atoi(retention); err == nil {
			cfg.Results.Retention = time.Duration(minutes) * time.Minute
		}
	}

	// Task runner configuration
	if workers := os.Getenv("TASK_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Tasks.Workers = n
		}
	}
	if retries := os.Getenv("EMBED_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			cfg.Tasks.EmbedMaxRetries = n
		}
	}
	if delay := os.Getenv("EMBED_RETRY_DELAY_SECONDS"); delay != "" {
		if secs, err := strconv.Atoi(delay); err == nil {
			cfg.Tasks.EmbedRetryDelay = time.Duration(secs) * time.Second
		}
	}

	// Mode configuration
	if mode := os.Getenv("GRCRADAR_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
