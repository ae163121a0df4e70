package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider      string        `yaml:"provider"` // openai, ollama or googleai
	BaseURL       string        `yaml:"base_url"`
	Key           string        `yaml:"key"`
	Model         string        `yaml:"model"`
	Dimension     int           `yaml:"dimension"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

type RAGConfig struct {
	ChunkSize      int     `yaml:"chunk_size"`
	ChunkOverlap   *int    `yaml:"chunk_overlap"` // nil takes the default, 0 disables overlap
	Splitter       string  `yaml:"splitter"` // fixed or recursive
	TopK           int     `yaml:"top_k"`
	FetchK         int     `yaml:"fetch_k"`
	Lambda         float32 `yaml:"lambda"`
	MinScore       float32 `yaml:"min_score"`
	Temperature    float64 `yaml:"temperature"`
	EmbedBatchSize int     `yaml:"embed_batch_size"`
	EmbedWorkers   int     `yaml:"embed_workers"`
}

type VectorStoreConfig struct {
	Backend       string `yaml:"backend"` // chromem or pgvector
	Path          string `yaml:"path"`
	Collection    string `yaml:"collection"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"` // for chromem backups, 32 bytes
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

type HistoryConfig struct {
	Backend       string        `yaml:"backend"` // sql, redis, mongo or memory
	MaxTurns      int           `yaml:"max_turns"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
}

type DocumentsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	LogLevel    string            `yaml:"log_level"`
	EmbedLLM    LLMConfig         `yaml:"embed_llm"`
	ChatLLM     LLMConfig         `yaml:"chat_llm"`
	RAG         RAGConfig         `yaml:"rag"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Database    DatabaseConfig    `yaml:"database"`
	History     HistoryConfig     `yaml:"history"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Server      ServerConfig      `yaml:"server"`
}

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultTopK         = 10
	DefaultFetchK       = 20
	DefaultLambda       = 0.7
	DefaultMaxTurns     = 50
)

// LoadConfig reads the YAML file at path. A .env file next to the working
// directory is loaded first so ${VAR} references in the YAML resolve.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	applyLLMDefaults(&c.EmbedLLM, "nomic-embed-text")
	applyLLMDefaults(&c.ChatLLM, "llama3.1")
	if c.EmbedLLM.Dimension == 0 {
		c.EmbedLLM.Dimension = 768
	}

	r := &c.RAG
	if r.ChunkSize == 0 {
		r.ChunkSize = DefaultChunkSize
	}
	if r.ChunkOverlap == nil {
		overlap := 0
		if r.ChunkSize > DefaultChunkOverlap {
			overlap = DefaultChunkOverlap
		}
		r.ChunkOverlap = &overlap
	}
	if r.Splitter == "" {
		r.Splitter = "fixed"
	}
	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if r.FetchK == 0 {
		r.FetchK = max(DefaultFetchK, r.TopK)
	}
	if r.Lambda == 0 {
		r.Lambda = DefaultLambda
	}
	if r.Temperature == 0 {
		r.Temperature = 0.3
	}
	if r.EmbedBatchSize == 0 {
		r.EmbedBatchSize = 32
	}
	if r.EmbedWorkers == 0 {
		r.EmbedWorkers = 4
	}

	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "chromem"
	}
	if c.VectorStore.Path == "" {
		c.VectorStore.Path = "./chromemdb"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "documents"
	}

	if c.Documents.Dir == "" {
		c.Documents.Dir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:" + filepath.Join(c.Documents.Dir, "chat_history.db") + "?_pragma=busy_timeout(5000)"
	}

	if c.History.Backend == "" {
		c.History.Backend = "sql"
	}
	if c.History.MaxTurns == 0 {
		c.History.MaxTurns = DefaultMaxTurns
	}
	if c.History.MongoDatabase == "" {
		c.History.MongoDatabase = "rag"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
}

func applyLLMDefaults(l *LLMConfig, model string) {
	if l.Provider == "" {
		l.Provider = "ollama"
	}
	if l.BaseURL == "" && l.Provider == "ollama" {
		l.BaseURL = "http://localhost:11434"
	}
	if l.Model == "" {
		l.Model = model
	}
	if l.Timeout == 0 {
		l.Timeout = 60 * time.Second
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	r := c.RAG
	if r.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive, got %d", r.ChunkSize)
	}
	if overlap := *r.ChunkOverlap; overlap < 0 || overlap >= r.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size), got %d", overlap)
	}
	if r.Splitter != "fixed" && r.Splitter != "recursive" {
		return fmt.Errorf("rag.splitter must be fixed or recursive, got %q", r.Splitter)
	}
	if r.TopK <= 0 || r.FetchK < r.TopK {
		return fmt.Errorf("rag.fetch_k (%d) must be >= rag.top_k (%d) > 0", r.FetchK, r.TopK)
	}
	if r.Lambda < 0 || r.Lambda > 1 {
		return fmt.Errorf("rag.lambda must be in [0, 1], got %v", r.Lambda)
	}
	if c.EmbedLLM.Dimension <= 0 {
		return fmt.Errorf("embed_llm.dimension must be positive, got %d", c.EmbedLLM.Dimension)
	}
	switch c.VectorStore.Backend {
	case "chromem":
	case "pgvector":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("vector_store.backend pgvector requires database.driver postgres")
		}
	default:
		return fmt.Errorf("unknown vector_store.backend %q", c.VectorStore.Backend)
	}
	switch c.History.Backend {
	case "sql", "redis", "mongo", "memory":
	default:
		return fmt.Errorf("unknown history.backend %q", c.History.Backend)
	}
	if c.History.MaxTurns < 0 {
		return fmt.Errorf("history.max_turns must not be negative")
	}
	return nil
}
