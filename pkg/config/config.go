package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/casetrace/backend/internal/util"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the engine. Load applies defaults, then an
// optional YAML file, then environment overrides.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Lexical    LexicalConfig    `yaml:"lexical"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Query      QueryConfig      `yaml:"query"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Graph      GraphConfig      `yaml:"graph"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Audit      AuditConfig      `yaml:"audit"`
	Server     ServerConfig     `yaml:"server"`
}

type StoreConfig struct {
	// Backend is one of "memory", "badger" or "postgres".
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	Shards      int    `yaml:"shards"`
}

type LexicalConfig struct {
	K1     float64 `yaml:"k1"`
	B      float64 `yaml:"b"`
	Shards int     `yaml:"shards"`
}

type SemanticConfig struct {
	Shards int `yaml:"shards"`
	// PublishEvery publishes the semantic index after this many new
	// vectors even while the embedding queue is still busy.
	PublishEvery int `yaml:"publish_every"`
}

type FusionConfig struct {
	K              float64 `yaml:"k"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	EntityWeight   float64 `yaml:"entity_weight"`
	// CandidateMultiplier sets how many candidates each ranking contributes
	// relative to the requested top-k.
	CandidateMultiplier int `yaml:"candidate_multiplier"`
}

type QueryConfig struct {
	DefaultTopK      int           `yaml:"default_top_k"`
	MaxTopK          int           `yaml:"max_top_k"`
	Timeout          time.Duration `yaml:"timeout"`
	EmbedBudget      time.Duration `yaml:"embed_budget"`
	InferEntityTypes bool          `yaml:"infer_entity_types"`
	SnippetRunes     int           `yaml:"snippet_runes"`
}

type ResolutionConfig struct {
	NearMissMaxDistance  int     `yaml:"near_miss_max_distance"`
	CountryCodeMaxDigits int     `yaml:"country_code_max_digits"`
	MinConfidence        float64 `yaml:"min_confidence"`
	EnableProse          bool    `yaml:"enable_prose"`
	EnableLLM            bool    `yaml:"enable_llm"`
	LLMModel             string  `yaml:"llm_model"`
}

type GraphConfig struct {
	CountScale      float64       `yaml:"count_scale"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
}

type AnomalyConfig struct {
	Window          time.Duration `yaml:"window"`
	BaselineWindows int           `yaml:"baseline_windows"`
	MinStd          float64       `yaml:"min_std"`
	// BurstCap bounds the z-score entering the risk sum.
	BurstCap           float64 `yaml:"burst_cap"`
	RiskThreshold      float64 `yaml:"risk_threshold"`
	BurstWeight        float64 `yaml:"burst_weight"`
	HighRiskTypeWeight float64 `yaml:"high_risk_type_weight"`
	DegreeGrowthWeight float64 `yaml:"degree_growth_weight"`
	OddHourWeight      float64 `yaml:"odd_hour_weight"`
	NewContactWeight   float64 `yaml:"new_contact_weight"`
	ContactDropWeight  float64 `yaml:"contact_drop_weight"`
	OddHourStart       int     `yaml:"odd_hour_start"`
	OddHourEnd         int     `yaml:"odd_hour_end"`
	SpikeThreshold     int     `yaml:"spike_threshold"`

	// ContactDropMinSupport is the support a contact that went silent needs
	// to count as dropped.
	ContactDropMinSupport int `yaml:"contact_drop_min_support"`
}

type IngestConfig struct {
	Workers         int           `yaml:"workers"`
	EmbedWorkers    int           `yaml:"embed_workers"`
	EmbedQueueSize  int           `yaml:"embed_queue_size"`
	EmbedRatePerSec float64       `yaml:"embed_rate_per_sec"`
	EmbedBurst      int           `yaml:"embed_burst"`
	RetryMaxTries   int           `yaml:"retry_max_tries"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`

	// MaintenanceInterval is how often a server verifies its indexes,
	// retries failed embeddings and publishes pending vectors. Zero
	// disables the job.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type EmbeddingConfig struct {
	// Provider is one of "local", "ollama" or "openai".
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	Dimensions      int           `yaml:"dimensions"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type AuditConfig struct {
	SigningKey string `yaml:"signing_key"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	AuthURL      string `yaml:"auth_url"`
	MasterAPIKey string `yaml:"master_api_key"`
	QueueEnabled bool   `yaml:"queue_enabled"`
	Debug        bool   `yaml:"debug"`
	JSONLogs     bool   `yaml:"json_logs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "memory",
			Path:    "./casetrace-data",
			Shards:  64,
		},
		Lexical: LexicalConfig{K1: 1.2, B: 0.75, Shards: 16},
		Semantic: SemanticConfig{
			Shards:       16,
			PublishEvery: 256,
		},
		Fusion: FusionConfig{
			K:                   60,
			LexicalWeight:       1.0,
			SemanticWeight:      1.0,
			EntityWeight:        1.0,
			CandidateMultiplier: 2,
		},
		Query: QueryConfig{
			DefaultTopK:      10,
			MaxTopK:          500,
			Timeout:          5 * time.Second,
			EmbedBudget:      750 * time.Millisecond,
			InferEntityTypes: true,
			SnippetRunes:     160,
		},
		Resolution: ResolutionConfig{
			NearMissMaxDistance:  1,
			CountryCodeMaxDigits: 3,
			MinConfidence:        0.5,
		},
		Graph: GraphConfig{
			CountScale:      3,
			RecencyHalfLife: 30 * 24 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			Window:                time.Minute,
			BaselineWindows:       30,
			MinStd:                1,
			BurstCap:              20,
			RiskThreshold:         5,
			BurstWeight:           1.0,
			HighRiskTypeWeight:    0.5,
			DegreeGrowthWeight:    0.5,
			OddHourWeight:         1.0,
			NewContactWeight:      0.25,
			ContactDropWeight:     0.25,
			OddHourStart:          1,
			OddHourEnd:            5,
			SpikeThreshold:        50,
			ContactDropMinSupport: 4,
		},
		Ingest: IngestConfig{
			Workers:         8,
			EmbedWorkers:    4,
			EmbedQueueSize:  4096,
			EmbedRatePerSec: 50,
			EmbedBurst:      10,
			RetryMaxTries:   4,
			RetryInitial:    100 * time.Millisecond,
			RetryMax:        5 * time.Second,

			MaintenanceInterval: time.Minute,
		},
		Embedding: EmbeddingConfig{
			Provider:        "local",
			Dimensions:      256,
			MaxTokens:       8000,
			MaxConcurrent:   8,
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// Load builds the configuration. An empty path falls back to the
// CASETRACE_CONFIG environment variable; a missing file is not an error
// when the path came from the environment default.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = util.GetEnv("CASETRACE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Store.Backend = util.GetEnvString("CASETRACE_STORE", cfg.Store.Backend)
	cfg.Store.Path = util.GetEnvString("CASETRACE_STORE_PATH", cfg.Store.Path)
	cfg.Store.DatabaseURL = util.GetEnvString("DATABASE_URL", cfg.Store.DatabaseURL)

	cfg.Fusion.LexicalWeight = util.GetEnvFloat("CASETRACE_FUSION_LEXICAL_WEIGHT", cfg.Fusion.LexicalWeight)
	cfg.Fusion.SemanticWeight = util.GetEnvFloat("CASETRACE_FUSION_SEMANTIC_WEIGHT", cfg.Fusion.SemanticWeight)
	cfg.Fusion.EntityWeight = util.GetEnvFloat("CASETRACE_FUSION_ENTITY_WEIGHT", cfg.Fusion.EntityWeight)

	cfg.Query.Timeout = util.GetEnvDuration("CASETRACE_QUERY_TIMEOUT", cfg.Query.Timeout)
	cfg.Resolution.NearMissMaxDistance = int(util.GetEnvNumeric("CASETRACE_NEAR_MISS_DISTANCE", cfg.Resolution.NearMissMaxDistance))
	cfg.Resolution.EnableProse = util.GetEnvBool("CASETRACE_ENABLE_PROSE", cfg.Resolution.EnableProse)
	cfg.Resolution.EnableLLM = util.GetEnvBool("CASETRACE_ENABLE_LLM", cfg.Resolution.EnableLLM)
	cfg.Resolution.LLMModel = util.GetEnvString("AI_CHAT_EXTRACT_MODEL", cfg.Resolution.LLMModel)

	cfg.Anomaly.RiskThreshold = util.GetEnvFloat("CASETRACE_RISK_THRESHOLD", cfg.Anomaly.RiskThreshold)

	cfg.Ingest.Workers = int(util.GetEnvNumeric("CASETRACE_INGEST_WORKERS", cfg.Ingest.Workers))
	cfg.Ingest.EmbedWorkers = int(util.GetEnvNumeric("CASETRACE_EMBED_WORKERS", cfg.Ingest.EmbedWorkers))
	cfg.Ingest.MaintenanceInterval = util.GetEnvDuration("CASETRACE_MAINTENANCE_INTERVAL", cfg.Ingest.MaintenanceInterval)

	cfg.Embedding.Provider = util.GetEnvString("AI_ADAPTER", cfg.Embedding.Provider)
	cfg.Embedding.Model = util.GetEnvString("AI_EMBED_MODEL", cfg.Embedding.Model)
	cfg.Embedding.URL = util.GetEnvString("AI_EMBED_URL", cfg.Embedding.URL)
	cfg.Embedding.APIKey = util.GetEnvString("AI_EMBED_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Dimensions = int(util.GetEnvNumeric("AI_EMBED_DIM", cfg.Embedding.Dimensions))
	cfg.Embedding.MaxConcurrent = int64(util.GetEnvNumeric("AI_PARALLEL_REQ", int(cfg.Embedding.MaxConcurrent)))

	cfg.Audit.SigningKey = util.GetEnvString("CASETRACE_AUDIT_KEY", cfg.Audit.SigningKey)

	cfg.Server.Port = util.GetEnvString("PORT", cfg.Server.Port)
	cfg.Server.AuthURL = util.GetEnvString("AUTH_URL", cfg.Server.AuthURL)
	cfg.Server.MasterAPIKey = util.GetEnvString("MASTER_API_KEY", cfg.Server.MasterAPIKey)
	cfg.Server.QueueEnabled = util.GetEnvBool("QUEUE_ENABLED", cfg.Server.QueueEnabled)
	cfg.Server.Debug = util.GetEnvBool("DEBUG", cfg.Server.Debug)
	cfg.Server.JSONLogs = util.GetEnvBool("JSON_LOGS", cfg.Server.JSONLogs)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Backend {
	case "memory", "badger", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	check(c.Store.Backend != "postgres" || c.Store.DatabaseURL != "", "store.database_url is required for the postgres backend")
	check(c.Store.Shards > 0, "store.shards must be positive")
	check(c.Lexical.K1 >= 0, "lexical.k1 must not be negative")
	check(c.Lexical.B >= 0 && c.Lexical.B <= 1, "lexical.b must be within [0,1]")
	check(c.Lexical.Shards > 0, "lexical.shards must be positive")
	check(c.Semantic.Shards > 0, "semantic.shards must be positive")
	check(c.Semantic.PublishEvery > 0, "semantic.publish_every must be positive")
	check(c.Ingest.MaintenanceInterval >= 0, "ingest.maintenance_interval must not be negative")
	check(c.Fusion.K > 0, "fusion.k must be positive")
	check(c.Fusion.LexicalWeight >= 0 && c.Fusion.SemanticWeight >= 0 && c.Fusion.EntityWeight >= 0, "fusion weights must not be negative")
	check(c.Fusion.LexicalWeight+c.Fusion.SemanticWeight+c.Fusion.EntityWeight > 0, "at least one fusion weight must be positive")
	check(c.Fusion.CandidateMultiplier >= 1, "fusion.candidate_multiplier must be at least 1")
	check(c.Query.DefaultTopK > 0 && c.Query.DefaultTopK <= c.Query.MaxTopK, "query.default_top_k must be within (0, max_top_k]")
	check(c.Query.Timeout > 0, "query.timeout must be positive")
	check(c.Resolution.NearMissMaxDistance >= 0, "resolution.near_miss_max_distance must not be negative")
	check(c.Graph.CountScale > 0, "graph.count_scale must be positive")
	check(c.Anomaly.Window > 0, "anomaly.window must be positive")
	check(c.Anomaly.BaselineWindows > 0, "anomaly.baseline_windows must be positive")
	check(c.Anomaly.ContactDropMinSupport > 0, "anomaly.contact_drop_min_support must be positive")
	check(c.Anomaly.OddHourStart >= 0 && c.Anomaly.OddHourEnd <= 24 && c.Anomaly.OddHourStart < c.Anomaly.OddHourEnd, "anomaly odd hours must satisfy 0 <= start < end <= 24")
	check(c.Ingest.Workers > 0, "ingest.workers must be positive")
	check(c.Ingest.EmbedWorkers > 0, "ingest.embed_workers must be positive")
	check(c.Ingest.EmbedQueueSize > 0, "ingest.embed_queue_size must be positive")

	switch c.Embedding.Provider {
	case "local", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}
	check(c.Embedding.Dimensions > 0, "embedding.dimensions must be positive")
	check(c.Embedding.MaxConcurrent > 0, "embedding.max_concurrent must be positive")

	return errors.Join(errs...)
}

// Backoff converts the ingest retry settings.
func (c IngestConfig) Backoff() util.Backoff {
	return util.Backoff{
		MaxTries:   c.RetryMaxTries,
		Initial:    c.RetryInitial,
		Max:        c.RetryMax,
		Multiplier: 2,
		Jitter:     0.2,
	}
}
