// Package config provides application configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// environment variables (CHARMEM_*), each layer overriding the previous.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	IndexDir   string           `yaml:"index_dir"`
	Addr       string           `yaml:"addr"`
	LogLevel   string           `yaml:"log_level"`
	Ranker     RankerConfig     `yaml:"ranker"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Session    SessionConfig    `yaml:"session"`
	Worker     WorkerConfig     `yaml:"worker"`
	Queue      QueueConfig      `yaml:"queue"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	Mongo      MongoConfig      `yaml:"mongo"`
}

// RankerConfig holds the relevance formula's tunables.
type RankerConfig struct {
	Semantic     float64 `yaml:"semantic"`
	Recency      float64 `yaml:"recency"`
	Importance   float64 `yaml:"importance"`
	Frequency    float64 `yaml:"frequency"`
	HalfLifeDays float64 `yaml:"half_life_days"`
	FrequencyCap int     `yaml:"frequency_cap"`
	MinScore     float64 `yaml:"min_score"`
}

// AssemblerConfig holds per-section token caps and read-path timeouts.
type AssemblerConfig struct {
	PersonaCap       int           `yaml:"persona_cap"`
	EntitiesCap      int           `yaml:"entities_cap"`
	EpisodicCap      int           `yaml:"episodic_cap"`
	LongTermCap      int           `yaml:"long_term_cap"`
	WorkingMemoryCap int           `yaml:"working_memory_cap"`
	BufferCapacity   int           `yaml:"buffer_capacity"`
	CandidateLimit   int           `yaml:"candidate_limit"`
	SectionTimeout   time.Duration `yaml:"section_timeout"`
	Deadline         time.Duration `yaml:"deadline"`
}

// SummarizerConfig controls working-memory updates.
type SummarizerConfig struct {
	Interval int `yaml:"interval"`
	MaxWords int `yaml:"max_words"`
}

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PruneClosed   bool          `yaml:"prune_closed"`
}

// WorkerConfig controls the background write path.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// QueueConfig selects the durable job queue.
type QueueConfig struct {
	Backend       string `yaml:"backend"` // sqlite | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	// ClaimLease is how long a Redis claim is honoured before another
	// process may recover the job.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"-"`
	Dims      int    `yaml:"dims"`
	CacheSize int64  `yaml:"cache_size"`
}

// LLMConfig selects the model used for extraction and summaries.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"-"`
}

// MongoConfig enables the closed-session archive when URI is set.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DBPath:   filepath.Join(home, ".character-memory", "memory.db"),
		Addr:     ":8080",
		LogLevel: "info",
		Ranker: RankerConfig{
			Semantic: 0.4, Recency: 0.2, Importance: 0.3, Frequency: 0.1,
			HalfLifeDays: 7, FrequencyCap: 10, MinScore: 0.3,
		},
		Assembler: AssemblerConfig{
			PersonaCap:       500,
			EntitiesCap:      200,
			EpisodicCap:      150,
			LongTermCap:      400,
			WorkingMemoryCap: 200,
			BufferCapacity:   15,
			CandidateLimit:   50,
			SectionTimeout:   150 * time.Millisecond,
			Deadline:         400 * time.Millisecond,
		},
		Summarizer: SummarizerConfig{Interval: 5, MaxWords: 100},
		Session: SessionConfig{
			Timeout:       2 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Count:        4,
			MaxAttempts:  5,
			BaseBackoff:  500 * time.Millisecond,
			MaxBackoff:   time.Minute,
			PollInterval: 250 * time.Millisecond,
		},
		Queue:     QueueConfig{Backend: "sqlite", RedisAddr: "localhost:6379", RedisPrefix: "charmem"},
		Embedding: EmbeddingConfig{CacheSize: 10000},
		Mongo:     MongoConfig{Database: "character_memory"},
	}
}

// Load reads the optional YAML file at path, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnv("CHARMEM_DB", c.DBPath)
	c.IndexDir = getEnv("CHARMEM_INDEX_DIR", c.IndexDir)
	c.Addr = getEnv("CHARMEM_ADDR", c.Addr)
	c.LogLevel = getEnv("CHARMEM_LOG_LEVEL", c.LogLevel)

	r := &c.Ranker
	r.Semantic = getEnvFloat("CHARMEM_WEIGHT_SEMANTIC", r.Semantic)
	r.Recency = getEnvFloat("CHARMEM_WEIGHT_RECENCY", r.Recency)
	r.Importance = getEnvFloat("CHARMEM_WEIGHT_IMPORTANCE", r.Importance)
	r.Frequency = getEnvFloat("CHARMEM_WEIGHT_FREQUENCY", r.Frequency)
	r.HalfLifeDays = getEnvFloat("CHARMEM_HALF_LIFE_DAYS", r.HalfLifeDays)
	r.MinScore = getEnvFloat("CHARMEM_MIN_SCORE", r.MinScore)

	a := &c.Assembler
	a.PersonaCap = getEnvInt("CHARMEM_CAP_PERSONA", a.PersonaCap)
	a.EntitiesCap = getEnvInt("CHARMEM_CAP_ENTITIES", a.EntitiesCap)
	a.EpisodicCap = getEnvInt("CHARMEM_CAP_EPISODIC", a.EpisodicCap)
	a.LongTermCap = getEnvInt("CHARMEM_CAP_LONG_TERM", a.LongTermCap)
	a.WorkingMemoryCap = getEnvInt("CHARMEM_CAP_WORKING_MEMORY", a.WorkingMemoryCap)
	a.BufferCapacity = getEnvInt("CHARMEM_BUFFER_CAPACITY", a.BufferCapacity)

	c.Summarizer.Interval = getEnvInt("CHARMEM_SUMMARY_INTERVAL", c.Summarizer.Interval)
	c.Session.PruneClosed = getEnvBool("CHARMEM_PRUNE_CLOSED", c.Session.PruneClosed)
	c.Worker.Count = getEnvInt("CHARMEM_WORKERS", c.Worker.Count)
	c.Worker.MaxAttempts = getEnvInt("CHARMEM_JOB_MAX_ATTEMPTS", c.Worker.MaxAttempts)

	c.Queue.Backend = getEnv("CHARMEM_QUEUE", c.Queue.Backend)
	c.Queue.RedisAddr = getEnv("CHARMEM_REDIS_ADDR", c.Queue.RedisAddr)
	c.Queue.RedisPassword = getEnv("CHARMEM_REDIS_PASSWORD", c.Queue.RedisPassword)
	c.Queue.RedisDB = getEnvInt("CHARMEM_REDIS_DB", c.Queue.RedisDB)

	c.Embedding.Provider = getEnv("CHARMEM_EMBED_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("CHARMEM_EMBED_MODEL", c.Embedding.Model)
	c.Embedding.URL = getEnv("CHARMEM_EMBED_URL", c.Embedding.URL)
	c.LLM.Provider = getEnv("CHARMEM_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("CHARMEM_LLM_MODEL", c.LLM.Model)
	c.LLM.URL = getEnv("CHARMEM_LLM_URL", c.LLM.URL)
	key := getEnv("OPENAI_API_KEY", "")
	c.Embedding.APIKey, c.LLM.APIKey = key, key

	c.Mongo.URI = getEnv("CHARMEM_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = getEnv("CHARMEM_MONGO_DB", c.Mongo.Database)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHARMEM_SECTION_TIMEOUT", &a.SectionTimeout},
		{"CHARMEM_ASSEMBLE_DEADLINE", &a.Deadline},
		{"CHARMEM_SESSION_TIMEOUT", &c.Session.Timeout},
		{"CHARMEM_SWEEP_INTERVAL", &c.Session.SweepInterval},
		{"CHARMEM_BASE_BACKOFF", &c.Worker.BaseBackoff},
		{"CHARMEM_MAX_BACKOFF", &c.Worker.MaxBackoff},
		{"CHARMEM_CLAIM_LEASE", &c.Queue.ClaimLease},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("CHARMEM_DB cannot be empty")
	}
	r := c.Ranker
	if r.Semantic < 0 || r.Recency < 0 || r.Importance < 0 || r.Frequency < 0 {
		return fmt.Errorf("ranker weights must be >= 0")
	}
	if r.Semantic+r.Recency+r.Importance+r.Frequency == 0 {
		return fmt.Errorf("ranker weights must not all be zero")
	}
	if r.HalfLifeDays <= 0 {
		return fmt.Errorf("half-life must be > 0 days")
	}
	if r.FrequencyCap <= 0 {
		return fmt.Errorf("frequency cap must be > 0")
	}
	a := c.Assembler
	for name, v := range map[string]int{
		"persona": a.PersonaCap, "entities": a.EntitiesCap, "episodic": a.EpisodicCap,
		"long_term": a.LongTermCap, "working_memory": a.WorkingMemoryCap,
	} {
		if v < 0 {
			return fmt.Errorf("%s cap must be >= 0", name)
		}
	}
	if a.BufferCapacity <= 0 {
		return fmt.Errorf("buffer capacity must be > 0")
	}
	if a.SectionTimeout <= 0 || a.Deadline <= 0 {
		return fmt.Errorf("assembler timeouts must be > 0")
	}
	if c.Summarizer.Interval <= 0 || c.Summarizer.MaxWords <= 0 {
		return fmt.Errorf("summarizer interval and word bound must be > 0")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session timeout must be > 0")
	}
	if c.Worker.Count <= 0 || c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker count and max attempts must be > 0")
	}
	switch c.Queue.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q (valid: sqlite, redis)", c.Queue.Backend)
	}
	return nil
}

// HalfLife returns the ranker half-life as a duration.
func (r RankerConfig) HalfLife() time.Duration {
	return time.Duration(r.HalfLifeDays * float64(24*time.Hour))
}

var durationRegex = regexp.MustCompile(`^(\d+)d$`)

// ParseDuration extends time.ParseDuration with a whole-day unit, e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if m := durationRegex.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 7d, 2h, 150ms)", s)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
