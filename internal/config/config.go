package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete archivist configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Corpus     CorpusConfig     `yaml:"corpus" json:"corpus"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Generator  GeneratorConfig  `yaml:"generator" json:"generator"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// RetrievalConfig configures the ranking pipeline.
// Values are overridable via:
//  1. User config (~/.config/archivist/config.yaml)
//  2. Project config (.archivist.yaml)
//  3. Env vars (ARCHIVIST_SEMANTIC_WEIGHT, ...) - highest priority
type RetrievalConfig struct {
	// SemanticWeight is the weight for vector similarity (0.0-1.0).
	// Must sum to 1.0 with KeywordWeight.
	SemanticWeight float64 `yaml:"semantic_weight" json:"semantic_weight"`

	// KeywordWeight is the weight for BM25 keyword matching (0.0-1.0).
	// Must sum to 1.0 with SemanticWeight.
	KeywordWeight float64 `yaml:"keyword_weight" json:"keyword_weight"`

	// RRFConstant is the reciprocal rank fusion smoothing parameter (k).
	// Default: 60, the value used by Azure AI Search and OpenSearch.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// MMRLambda balances relevance against diversity (0.0-1.0).
	// 1.0 is pure relevance, 0.0 is pure diversity.
	MMRLambda float64 `yaml:"mmr_lambda" json:"mmr_lambda"`

	// OverfetchFactor is how many candidates each source returns
	// relative to the requested top_k.
	OverfetchFactor int `yaml:"overfetch_factor" json:"overfetch_factor"`

	// SourceTimeout bounds each retrieval source, e.g. "5s".
	SourceTimeout string `yaml:"source_timeout" json:"source_timeout"`

	// MaxResults caps the number of results returned to callers.
	MaxResults int `yaml:"max_results" json:"max_results"`

	// DiversityDivisor derives the per-document cap: max(1, top_k/divisor).
	DiversityDivisor int `yaml:"diversity_divisor" json:"diversity_divisor"`

	// MinCombinedScore is the re-ranking relevance floor; candidates
	// scoring below it are dropped. Negative disables the floor.
	MinCombinedScore float64 `yaml:"min_combined_score" json:"min_combined_score"`

	// MinResultsDivisor derives the fallback floor: cap relaxes while
	// results < top_k/divisor.
	MinResultsDivisor int `yaml:"min_results_divisor" json:"min_results_divisor"`
}

// Corpus backend names accepted by CorpusConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// CorpusConfig configures passage storage backends.
type CorpusConfig struct {
	// Backend selects the vector store: "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// DataDir is where on-disk indexes live. Defaults to ~/.archivist.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`

	// KeywordIndex enables the auxiliary bleve keyword index used for
	// candidate recall.
	KeywordIndex bool `yaml:"keyword_index" json:"keyword_index"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama", "static", or empty for
	// auto-detection (ollama when reachable, static otherwise).
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
}

// GeneratorConfig configures the LLM used for query expansion.
type GeneratorConfig struct {
	Model string `yaml:"model" json:"model"`
	// Timeout bounds each generation call, e.g. "10s".
	Timeout string `yaml:"timeout" json:"timeout"`
}

// IngestConfig configures document chunking and watching.
type IngestConfig struct {
	// ChunkSize and ChunkOverlap are measured in words.
	ChunkSize     int    `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap" json:"chunk_overlap"`
	Workers       int    `yaml:"workers" json:"workers"`
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Retrieval: RetrievalConfig{
			SemanticWeight:    0.7,
			KeywordWeight:     0.3,
			RRFConstant:       60,
			MMRLambda:         0.5,
			OverfetchFactor:   3,
			SourceTimeout:     "5s",
			MaxResults:        20,
			DiversityDivisor:  3,
			MinCombinedScore:  0.25,
			MinResultsDivisor: 2,
		},
		Corpus: CorpusConfig{
			Backend:      "memory",
			DataDir:      defaultDataDir(),
			KeywordIndex: false,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "", // Empty triggers auto-detection: Ollama -> Static
			Model:      "nomic-embed-text",
			Dimensions: 0, // Auto-detect from embedder
			BatchSize:  32,
			OllamaHost: "", // Empty uses default http://localhost:11434
		},
		Generator: GeneratorConfig{
			Model:   "qwen3:0.6b",
			Timeout: "10s",
		},
		Ingest: IngestConfig{
			ChunkSize:     200,
			ChunkOverlap:  20,
			Workers:       runtime.NumCPU(),
			WatchDebounce: "500ms",
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
	}
}

// defaultDataDir returns the default on-disk index location.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".archivist")
	}
	return filepath.Join(home, ".archivist")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/archivist/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/archivist/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "archivist", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "archivist", "config.yaml")
	}
	return filepath.Join(home, ".config", "archivist", "config.yaml")
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/archivist/config.yaml)
//  3. Project config (.archivist.yaml in the directory)
//  4. Environment variables (ARCHIVIST_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userPath := GetUserConfigPath()
	if fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .archivist.yaml or .archivist.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".archivist.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".archivist.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine, defaults apply
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Retrieval. Zero is not a practical value for the weights, so merging
	// only non-zero values is safe; explicit zeros go through env vars.
	if other.Retrieval.SemanticWeight != 0 {
		c.Retrieval.SemanticWeight = other.Retrieval.SemanticWeight
	}
	if other.Retrieval.KeywordWeight != 0 {
		c.Retrieval.KeywordWeight = other.Retrieval.KeywordWeight
	}
	if other.Retrieval.RRFConstant != 0 {
		c.Retrieval.RRFConstant = other.Retrieval.RRFConstant
	}
	if other.Retrieval.MMRLambda != 0 {
		c.Retrieval.MMRLambda = other.Retrieval.MMRLambda
	}
	if other.Retrieval.OverfetchFactor != 0 {
		c.Retrieval.OverfetchFactor = other.Retrieval.OverfetchFactor
	}
	if other.Retrieval.SourceTimeout != "" {
		c.Retrieval.SourceTimeout = other.Retrieval.SourceTimeout
	}
	if other.Retrieval.MaxResults != 0 {
		c.Retrieval.MaxResults = other.Retrieval.MaxResults
	}
	if other.Retrieval.DiversityDivisor != 0 {
		c.Retrieval.DiversityDivisor = other.Retrieval.DiversityDivisor
	}
	if other.Retrieval.MinResultsDivisor != 0 {
		c.Retrieval.MinResultsDivisor = other.Retrieval.MinResultsDivisor
	}
	if other.Retrieval.MinCombinedScore != 0 {
		c.Retrieval.MinCombinedScore = other.Retrieval.MinCombinedScore
	}

	// Corpus
	if other.Corpus.Backend != "" {
		c.Corpus.Backend = other.Corpus.Backend
	}
	if other.Corpus.DataDir != "" {
		c.Corpus.DataDir = other.Corpus.DataDir
	}
	if other.Corpus.PostgresDSN != "" {
		c.Corpus.PostgresDSN = other.Corpus.PostgresDSN
	}
	if other.Corpus.KeywordIndex {
		c.Corpus.KeywordIndex = true
	}

	// Embeddings
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}

	// Generator
	if other.Generator.Model != "" {
		c.Generator.Model = other.Generator.Model
	}
	if other.Generator.Timeout != "" {
		c.Generator.Timeout = other.Generator.Timeout
	}

	// Ingest
	if other.Ingest.ChunkSize != 0 {
		c.Ingest.ChunkSize = other.Ingest.ChunkSize
	}
	if other.Ingest.ChunkOverlap != 0 {
		c.Ingest.ChunkOverlap = other.Ingest.ChunkOverlap
	}
	if other.Ingest.Workers != 0 {
		c.Ingest.Workers = other.Ingest.Workers
	}
	if other.Ingest.WatchDebounce != "" {
		c.Ingest.WatchDebounce = other.Ingest.WatchDebounce
	}

	// Server
	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies ARCHIVIST_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ARCHIVIST_SEMANTIC_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Retrieval.SemanticWeight = w
		}
	}
	if v := os.Getenv("ARCHIVIST_KEYWORD_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Retrieval.KeywordWeight = w
		}
	}
	if v := os.Getenv("ARCHIVIST_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.RRFConstant = k
		}
	}
	if v := os.Getenv("ARCHIVIST_MMR_LAMBDA"); v != "" {
		if l, err := strconv.ParseFloat(v, 64); err == nil && l >= 0 && l <= 1 {
			c.Retrieval.MMRLambda = l
		}
	}
	if v := os.Getenv("ARCHIVIST_MIN_COMBINED_SCORE"); v != "" {
		if s, err := strconv.ParseFloat(v, 64); err == nil && s <= 1 {
			c.Retrieval.MinCombinedScore = s
		}
	}
	if v := os.Getenv("ARCHIVIST_CORPUS_BACKEND"); v != "" {
		c.Corpus.Backend = v
	}
	if v := os.Getenv("ARCHIVIST_DATA_DIR"); v != "" {
		c.Corpus.DataDir = v
	}
	if v := os.Getenv("ARCHIVIST_POSTGRES_DSN"); v != "" {
		c.Corpus.PostgresDSN = v
	}
	if v := os.Getenv("ARCHIVIST_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("ARCHIVIST_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("ARCHIVIST_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("ARCHIVIST_GENERATOR_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("ARCHIVIST_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("ARCHIVIST_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
}

// Validate checks the final configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.SemanticWeight > 1 {
		return fmt.Errorf("semantic_weight must be between 0 and 1, got %f", c.Retrieval.SemanticWeight)
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.KeywordWeight > 1 {
		return fmt.Errorf("keyword_weight must be between 0 and 1, got %f", c.Retrieval.KeywordWeight)
	}

	sum := c.Retrieval.SemanticWeight + c.Retrieval.KeywordWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("semantic_weight + keyword_weight must equal 1.0, got %.2f", sum)
	}

	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be between 0 and 1, got %f", c.Retrieval.MMRLambda)
	}
	if c.Retrieval.MaxResults < 0 {
		return fmt.Errorf("max_results must be non-negative, got %d", c.Retrieval.MaxResults)
	}
	if c.Retrieval.OverfetchFactor < 1 {
		return fmt.Errorf("overfetch_factor must be at least 1, got %d", c.Retrieval.OverfetchFactor)
	}
	if c.Ingest.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be non-negative, got %d", c.Ingest.ChunkSize)
	}

	validBackends := map[string]bool{BackendMemory: true, BackendSQLite: true, BackendPostgres: true}
	if !validBackends[strings.ToLower(c.Corpus.Backend)] {
		return fmt.Errorf("corpus.backend must be 'memory', 'sqlite', or 'postgres', got %s", c.Corpus.Backend)
	}

	if c.Embeddings.Provider != "" { // Empty string triggers auto-detection
		validProviders := map[string]bool{"ollama": true, "static": true}
		if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'ollama', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}

	validTransports := map[string]bool{"stdio": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %s", c.Server.LogLevel)
	}

	return nil
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
