package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort  string `yaml:"server_port"`
	FrontendURL string `yaml:"frontend_url"`
	LogLevel    string `yaml:"log_level"`

	// Database
	DBDriver    string `yaml:"db_driver"`
	DatabaseURL string `yaml:"database_url"`

	// Agent process
	AgentURL        string        `yaml:"agent_url"`
	AgentAPIKey     string        `yaml:"agent_api_key"`
	CallbackBaseURL string        `yaml:"callback_base_url"`
	DispatchWorkers int           `yaml:"dispatch_workers"`
	DispatchRetries int           `yaml:"dispatch_retries"`
	DispatchBackoff time.Duration `yaml:"dispatch_backoff"`

	// Public session verification
	SessionSecret string `yaml:"session_secret"`

	// Embedding provider
	VoyageAPIURL       string        `yaml:"voyage_api_url"`
	VoyageAPIKey       string        `yaml:"voyage_api_key"`
	VoyageModel        string        `yaml:"voyage_model"`
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbeddingTimeout   time.Duration `yaml:"embedding_timeout"`

	// Completion provider
	FireworksAPIURL   string        `yaml:"fireworks_api_url"`
	FireworksAPIKey   string        `yaml:"fireworks_api_key"`
	FireworksModel    string        `yaml:"fireworks_model"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	// Pipeline
	Stages          []string `yaml:"stages"`
	StartsPerMinute int      `yaml:"starts_per_minute"`
}

// Load loads configuration from a .env file (if present) and environment
// variables, then overlays the YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML overlay path. An empty path skips the overlay.
func LoadFile(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	port := getEnv("SERVER_PORT", "8080")
	cfg := &Config{
		ServerPort:  port,
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL: getEnv("DATABASE_URL", "./cad_jobs.db"),

		AgentURL:        getEnv("AGENT_URL", "http://localhost:8000"),
		AgentAPIKey:     getEnv("AGENT_API_KEY", ""),
		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", "http://localhost:"+port),
		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 3),
		DispatchRetries: getEnvInt("DISPATCH_RETRIES", 3),
		DispatchBackoff: getEnvDuration("DISPATCH_BACKOFF", 2*time.Second),

		SessionSecret: getEnv("SESSION_SECRET", ""),

		VoyageAPIURL:       getEnv("VOYAGE_API_URL", "https://api.voyageai.com/v1/embeddings"),
		VoyageAPIKey:       getEnv("VOYAGE_API_KEY", ""),
		VoyageModel:        getEnv("VOYAGE_MODEL", "voyage-3"),
		EmbeddingDimension: getEnvInt("EMBEDDING_DIMENSION", 1024),
		EmbeddingTimeout:   getEnvDuration("EMBEDDING_TIMEOUT", 10*time.Second),

		FireworksAPIURL:   getEnv("FIREWORKS_API_URL", "https://api.fireworks.ai/inference/v1/chat/completions"),
		FireworksAPIKey:   getEnv("FIREWORKS_API_KEY", ""),
		FireworksModel:    getEnv("FIREWORKS_MODEL", "accounts/fireworks/models/llama-v3p1-70b-instruct"),
		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 60*time.Second),

		Stages:          splitList(getEnv("PIPELINE_STAGES", "PARSE,ANALYZE,SUGGEST,VALIDATE")),
		StartsPerMinute: getEnvInt("STARTS_PER_MINUTE", 10),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("config: at least one pipeline stage is required")
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported db driver %q", c.DBDriver)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("config: dispatch workers must be positive, got %d", c.DispatchWorkers)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
