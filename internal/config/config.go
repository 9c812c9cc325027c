// Package config provides configuration loading and management for anchor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	LLM              LLMConfig      `json:"llm"                         mapstructure:"llm"`
	Router           RouterConfig   `json:"router"                      mapstructure:"router"`
	Guard            GuardConfig    `json:"guard"                       mapstructure:"guard"`
	Time             TimeConfig     `json:"time"                        mapstructure:"time"`
	Ladder           LadderConfig   `json:"ladder"                      mapstructure:"ladder"`
	Verifier         VerifierConfig `json:"verifier"                    mapstructure:"verifier"`
	Gate             GateConfig     `json:"gate"                        mapstructure:"gate"`
	Memory           MemoryConfig   `json:"memory"                      mapstructure:"memory"`
	Store            StoreConfig    `json:"store"                       mapstructure:"store"`
	Metrics          MetricsConfig  `json:"metrics"                     mapstructure:"metrics"`
	CapabilitiesFile string         `json:"capabilities_file,omitempty" mapstructure:"capabilities_file"`
	// CapabilitiesScope limits the registry to these ids; empty keeps all.
	CapabilitiesScope []string `json:"capabilities_scope,omitempty" mapstructure:"capabilities_scope" validate:"dive,required"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	// Type is openai, gemini, or a CLI agent: exec, codex, opencode, gemini_cli, claude.
	Type      string        `json:"type"                  mapstructure:"type"        validate:"oneof=openai gemini exec codex opencode gemini_cli claude"`
	Model     string        `json:"model,omitempty"       mapstructure:"model"`
	BaseURL   string        `json:"base_url,omitempty"    mapstructure:"base_url"    validate:"omitempty,url"`
	APIKeyEnv string        `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout   time.Duration `json:"timeout"               mapstructure:"timeout"     validate:"gte=0"`
	Cmd       []string      `json:"cmd,omitempty"         mapstructure:"cmd"         validate:"required_if=Type exec"`
	UseTTY    bool          `json:"use_tty,omitempty"     mapstructure:"use_tty"`
	Retry     RetryConfig   `json:"retry"                 mapstructure:"retry"`
}

// RetryConfig bounds transient provider retries below the guard.
type RetryConfig struct {
	MaxRetries uint64        `json:"max_retries"         mapstructure:"max_retries" validate:"lte=10"`
	Base       time.Duration `json:"base"                mapstructure:"base"`
	MaxDelay   time.Duration `json:"max_delay,omitempty" mapstructure:"max_delay"`
}

// RouterConfig tunes intent classification.
type RouterConfig struct {
	Threshold         float64       `json:"threshold"          mapstructure:"threshold"          validate:"gte=0,lte=1"`
	DefaultCapability string        `json:"default_capability" mapstructure:"default_capability" validate:"required"`
	Timeout           time.Duration `json:"timeout"            mapstructure:"timeout"            validate:"gte=0"`
}

// GuardConfig tunes structured generation.
type GuardConfig struct {
	MaxRepairs  int           `json:"max_repairs"  mapstructure:"max_repairs"  validate:"gte=0,lte=2"`
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout" validate:"gte=0"`
}

// TimeConfig selects the user time zone and rendering locale.
type TimeConfig struct {
	Zone   string `json:"zone"   mapstructure:"zone"   validate:"required,timezone"`
	Locale string `json:"locale" mapstructure:"locale" validate:"oneof=es en"`
}

// Location loads the configured zone.
func (t TimeConfig) Location() (*time.Location, error) {
	return time.LoadLocation(t.Zone)
}

// LadderConfig tunes retrieval.
type LadderConfig struct {
	TierTimeout   time.Duration    `json:"tier_timeout"            mapstructure:"tier_timeout"  validate:"gt=0"`
	NewsRecency   time.Duration    `json:"news_recency"            mapstructure:"news_recency"  validate:"gt=0"`
	MaxDocuments  int              `json:"max_documents"           mapstructure:"max_documents" validate:"gte=1,lte=20"`
	Clarification string           `json:"clarification,omitempty" mapstructure:"clarification"`
	Brave         BraveConfig      `json:"brave"                   mapstructure:"brave"`
	DuckDuckGo    DuckDuckGoConfig `json:"duckduckgo"              mapstructure:"duckduckgo"`
	Cache         CacheConfig      `json:"cache"                   mapstructure:"cache"`
}

// BraveConfig configures the Brave Search API.
type BraveConfig struct {
	APIKeyEnv string `json:"api_key_env"        mapstructure:"api_key_env"`
	BaseURL   string `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	Count     int    `json:"count"              mapstructure:"count"    validate:"gte=1,lte=20"`
	Lang      string `json:"lang,omitempty"     mapstructure:"lang"`
}

// APIKey reads the key from the configured environment variable.
func (b BraveConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(b.APIKeyEnv))
}

// DuckDuckGoConfig configures the Instant Answer API.
type DuckDuckGoConfig struct {
	Enabled bool   `json:"enabled"            mapstructure:"enabled"`
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
}

// CacheConfig sizes the search result cache. Size 0 disables it.
type CacheConfig struct {
	Size int           `json:"size" mapstructure:"size" validate:"gte=0"`
	TTL  time.Duration `json:"ttl"  mapstructure:"ttl"  validate:"gte=0"`
}

// VerifierConfig holds the texts released when verification cannot pass.
type VerifierConfig struct {
	SafeFallback  string        `json:"safe_fallback,omitempty" mapstructure:"safe_fallback"`
	Refusal       string        `json:"refusal,omitempty"       mapstructure:"refusal"`
	TimeStaleness time.Duration `json:"time_staleness"          mapstructure:"time_staleness" validate:"gte=0"`
}

// GateConfig holds the quality gate thresholds.
type GateConfig struct {
	MaxRepairExhaustionRate    float64       `json:"max_repair_exhaustion_rate"    mapstructure:"max_repair_exhaustion_rate"    validate:"gte=0,lte=1"`
	MaxVerificationFailureRate float64       `json:"max_verification_failure_rate" mapstructure:"max_verification_failure_rate" validate:"gte=0,lte=1"`
	MaxClarificationRate       float64       `json:"max_clarification_rate"        mapstructure:"max_clarification_rate"        validate:"gte=0,lte=1"`
	MinToolSuccessRate         float64       `json:"min_tool_success_rate"         mapstructure:"min_tool_success_rate"         validate:"gte=0,lte=1"`
	MaxP95Latency              time.Duration `json:"max_p95_latency"               mapstructure:"max_p95_latency"               validate:"gte=0"`
	MinSamples                 int           `json:"min_samples"                   mapstructure:"min_samples"                   validate:"gte=0"`
	MinObservedSpan            time.Duration `json:"min_observed_span"             mapstructure:"min_observed_span"             validate:"gte=0"`
	Window                     int           `json:"window"                        mapstructure:"window"                        validate:"gte=0"`
}

// Memory backends.
const (
	MemoryNone   = "none"
	MemorySQLite = "sqlite"
	MemoryQdrant = "qdrant"
)

// MemoryConfig selects the long-term memory backend.
type MemoryConfig struct {
	Backend  string         `json:"backend"  mapstructure:"backend"  validate:"oneof=none sqlite qdrant"`
	Timeout  time.Duration  `json:"timeout"  mapstructure:"timeout"  validate:"gte=0"`
	Limit    int            `json:"limit"    mapstructure:"limit"    validate:"gte=0"`
	Qdrant   QdrantConfig   `json:"qdrant"   mapstructure:"qdrant"`
	Embedder EmbedderConfig `json:"embedder" mapstructure:"embedder"`
}

// QdrantConfig locates the vector collection.
type QdrantConfig struct {
	Addr           string  `json:"addr"            mapstructure:"addr"`
	Collection     string  `json:"collection"      mapstructure:"collection"`
	ScoreThreshold float32 `json:"score_threshold" mapstructure:"score_threshold" validate:"gte=0,lte=1"`
}

// EmbedderConfig points at an Ollama-compatible embeddings endpoint.
type EmbedderConfig struct {
	BaseURL string        `json:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Model   string        `json:"model"    mapstructure:"model"`
	Timeout time.Duration `json:"timeout"  mapstructure:"timeout"  validate:"gte=0"`
}

// StoreConfig locates the SQLite database. An empty path keeps records in memory.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// Metrics exporters.
const (
	MetricsNone   = "none"
	MetricsStdout = "stdout"
)

// MetricsConfig selects the OpenTelemetry exporter.
type MetricsConfig struct {
	Exporter string        `json:"exporter" mapstructure:"exporter" validate:"oneof=none stdout"`
	Interval time.Duration `json:"interval" mapstructure:"interval" validate:"gte=0"`
}

var defaults = map[string]any{
	"llm.type":                           "openai",
	"llm.api_key_env":                    "OPENAI_API_KEY",
	"llm.timeout":                        "60s",
	"llm.retry.max_retries":              2,
	"llm.retry.base":                     "500ms",
	"llm.retry.max_delay":                "5s",
	"router.threshold":                   0.6,
	"router.default_capability":          "chat_general",
	"router.timeout":                     "15s",
	"guard.max_repairs":                  2,
	"guard.call_timeout":                 "45s",
	"time.zone":                          "Europe/Madrid",
	"time.locale":                        "es",
	"ladder.tier_timeout":                "8s",
	"ladder.news_recency":                "72h",
	"ladder.max_documents":               5,
	"ladder.brave.api_key_env":           "BRAVE_API_KEY",
	"ladder.brave.count":                 5,
	"ladder.brave.lang":                  "es",
	"ladder.duckduckgo.enabled":          true,
	"ladder.cache.size":                  256,
	"ladder.cache.ttl":                   "10m",
	"verifier.time_staleness":            "1m",
	"gate.max_repair_exhaustion_rate":    0.05,
	"gate.max_verification_failure_rate": 0.10,
	"gate.max_clarification_rate":        0.25,
	"gate.min_tool_success_rate":         0.80,
	"gate.max_p95_latency":               "20s",
	"gate.min_samples":                   20,
	"gate.window":                        500,
	"memory.backend":                     MemoryNone,
	"memory.timeout":                     "2s",
	"memory.limit":                       5,
	"memory.qdrant.collection":           "anchor_facts",
	"memory.embedder.base_url":           "http://localhost:11434",
	"memory.embedder.model":              "nomic-embed-text",
	"memory.embedder.timeout":            "10s",
	"store.path":                         ".anchor/anchor.db",
	"metrics.exporter":                   MetricsNone,
	"metrics.interval":                   "1m",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the config file at path into a validated Config. A missing
// file is not an error when allowMissing is set; defaults apply.
func Load(v *viper.Viper, path string, allowMissing bool) (Config, error) {
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !allowMissing || (!errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode validates the settings held by v and unmarshals them.
func Decode(v *viper.Viper) (Config, error) {
	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-level rules.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Memory.Backend == MemoryQdrant && strings.TrimSpace(c.Memory.Qdrant.Addr) == "" {
			return errors.New("config validation failed: memory.qdrant.addr is required for the qdrant backend")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}
