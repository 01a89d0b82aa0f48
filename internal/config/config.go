package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for ConsentLens.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Pipeline  PipelineConfig
	Worker    WorkerConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           string
	APIKeyHash         string
	RateLimitPerMinute int
	MaxPayloadBytes    int64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type PipelineConfig struct {
	RequestTimeout time.Duration
	EnableJSRender bool
	RenderTimeout  time.Duration
	RenderSettle   time.Duration
	// MinConfidence is read and validated but not applied by classification.
	MinConfidence float64
	OutputDir     string
	DefaultFormat string
}

type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
	ResultTTL   time.Duration
	Embedded    bool
}

type RetentionConfig struct {
	Schedule string
	Days     int
}

// ConfigFileEnv names the optional YAML file whose keys are the same names as
// the environment variables. Environment variables win over file values.
const ConfigFileEnv = "CONSENTLENS_CONFIG"

var validFormats = map[string]bool{
	"json": true,
	"csv":  true,
	"xlsx": true,
}

var validDBSchemes = []string{"postgres://", "postgresql://", "sqlite://"}

// Load reads configuration from environment variables (and the optional YAML
// file named by CONSENTLENS_CONFIG) and returns a validated Config.
func Load() (*Config, error) {
	file, err := readFile(os.Getenv(ConfigFileEnv))
	if err != nil {
		return nil, err
	}
	e := env{file: file}

	cfg := &Config{
		Server: ServerConfig{
			Port:               e.int("CONSENTLENS_PORT", 8000),
			Env:                e.string("CONSENTLENS_ENV", "development"),
			LogLevel:           e.string("LOG_LEVEL", "info"),
			APIKeyHash:         e.string("API_KEY_HASH", ""),
			RateLimitPerMinute: e.int("RATE_LIMIT_PER_MINUTE", 60),
			MaxPayloadBytes:    int64(e.int("MAX_PAYLOAD_BYTES", 10*1024*1024)),
		},
		Database: DatabaseConfig{
			URL:             e.string("DATABASE_URL", "sqlite://data/consentlens.db"),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: e.string("REDIS_URL", "redis://localhost:6379/0"),
		},
		Pipeline: PipelineConfig{
			RequestTimeout: e.durationSecs("REQUEST_TIMEOUT", 30*time.Second),
			EnableJSRender: e.bool("ENABLE_JS_RENDER", false),
			RenderTimeout:  e.durationSecs("JS_RENDER_TIMEOUT", 30*time.Second),
			RenderSettle:   e.duration("JS_RENDER_SETTLE", 2*time.Second),
			MinConfidence:  e.float("MIN_CONFIDENCE", 0.5),
			OutputDir:      e.string("OUTPUT_DIR", "outputs"),
			DefaultFormat:  strings.ToLower(e.string("DEFAULT_FORMAT", "json")),
		},
		Worker: WorkerConfig{
			Concurrency: e.int("WORKER_CONCURRENCY", 2),
			JobTimeout:  e.durationSecs("JOB_TIMEOUT", 300*time.Second),
			ResultTTL:   e.durationSecs("RESULT_TTL", time.Hour),
			Embedded:    e.bool("EMBEDDED_WORKERS", true),
		},
		Retention: RetentionConfig{
			Schedule: e.string("RETENTION_SCHEDULE", "0 3 * * *"),
			Days:     e.int("RETENTION_DAYS", 7),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireAPIKey reports an error when the server would start without an API key.
func (c *Config) RequireAPIKey() error {
	if c.Server.APIKeyHash == "" {
		return fmt.Errorf("API_KEY_HASH is required")
	}
	if !strings.HasPrefix(c.Server.APIKeyHash, "$2") {
		return fmt.Errorf("API_KEY_HASH must be a bcrypt hash")
	}
	return nil
}

// IsSQLite reports whether the database URL selects the embedded SQLite store.
func (c DatabaseConfig) IsSQLite() bool {
	return strings.HasPrefix(c.URL, "sqlite://")
}

// SQLitePath returns the file path of a sqlite:// URL.
func (c DatabaseConfig) SQLitePath() string {
	return strings.TrimPrefix(c.URL, "sqlite://")
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	validScheme := false
	for _, s := range validDBSchemes {
		if strings.HasPrefix(c.Database.URL, s) {
			validScheme = true
			break
		}
	}
	if !validScheme {
		return fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite://, got %q", c.Database.URL)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("MIN_CONFIDENCE must be between 0 and 1, got %v", c.Pipeline.MinConfidence)
	}
	if !validFormats[c.Pipeline.DefaultFormat] {
		return fmt.Errorf("DEFAULT_FORMAT must be one of json, csv, xlsx; got %q", c.Pipeline.DefaultFormat)
	}
	if c.Pipeline.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.Pipeline.RenderTimeout <= 0 {
		return fmt.Errorf("JS_RENDER_TIMEOUT must be positive")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}

	if c.Retention.Days <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.Retention.Days)
	}

	return nil
}

// readFile loads the optional YAML defaults file. An empty path is not an error.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// env resolves a key from the process environment first, then the config file.
type env struct {
	file map[string]string
}

func (e env) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.file[key]
}

func (e env) string(key, defaultVal string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (e env) int(key string, defaultVal int) int {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (e env) float(key string, defaultVal float64) float64 {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func (e env) bool(key string, defaultVal bool) bool {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (e env) duration(key string, defaultVal time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func (e env) durationSecs(key string, defaultVal time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
