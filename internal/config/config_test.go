package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.json"), true)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Type)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.InDelta(t, 0.6, cfg.Router.Threshold, 1e-9)
	assert.Equal(t, "chat_general", cfg.Router.DefaultCapability)
	assert.Equal(t, 2, cfg.Guard.MaxRepairs)
	assert.Equal(t, "Europe/Madrid", cfg.Time.Zone)
	assert.Equal(t, 72*time.Hour, cfg.Ladder.NewsRecency)
	assert.True(t, cfg.Ladder.DuckDuckGo.Enabled)
	assert.Equal(t, 20*time.Second, cfg.Gate.MaxP95Latency)
	assert.Equal(t, 500, cfg.Gate.Window)
	assert.Equal(t, MemoryNone, cfg.Memory.Backend)
	assert.Equal(t, MetricsNone, cfg.Metrics.Exporter)

	loc, err := cfg.Time.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", loc.String())
}

func TestLoad_MissingFileIsAnErrorWhenRequired(t *testing.T) {
	t.Parallel()

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.json"), false)
	require.ErrorContains(t, err, "read config")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "llm": {"type": "exec", "cmd": ["my-agent", "--json"], "timeout": "90s", "retry": {"max_retries": 0}},
  "router": {"threshold": 0.75, "default_capability": "chat_general"},
  "time": {"zone": "America/Mexico_City", "locale": "es"},
  "ladder": {"tier_timeout": "3s", "cache": {"size": 0}},
  "gate": {"min_observed_span": "336h", "min_samples": 50},
  "memory": {"backend": "qdrant", "qdrant": {"addr": "localhost:6334", "score_threshold": 0.4}},
  "store": {"path": ""},
  "capabilities_file": "caps.yaml"
}`)

	cfg, err := Load(viper.New(), path, false)
	require.NoError(t, err)

	assert.Equal(t, "exec", cfg.LLM.Type)
	assert.Equal(t, []string{"my-agent", "--json"}, cfg.LLM.Cmd)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Zero(t, cfg.LLM.Retry.MaxRetries)
	assert.InDelta(t, 0.75, cfg.Router.Threshold, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Ladder.TierTimeout)
	assert.Zero(t, cfg.Ladder.Cache.Size)
	assert.Equal(t, 14*24*time.Hour, cfg.Gate.MinObservedSpan)
	assert.Equal(t, 50, cfg.Gate.MinSamples)
	assert.Equal(t, MemoryQdrant, cfg.Memory.Backend)
	assert.Equal(t, "anchor_facts", cfg.Memory.Qdrant.Collection)
	assert.InDelta(t, 0.4, cfg.Memory.Qdrant.ScoreThreshold, 1e-6)
	assert.Empty(t, cfg.Store.Path)
	assert.Equal(t, "caps.yaml", cfg.CapabilitiesFile)
}

func TestLoad_CapabilitiesScope(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New(), writeConfig(t, `{"capabilities_scope": ["chat_general", "get_current_datetime"]}`), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_general", "get_current_datetime"}, cfg.CapabilitiesScope)

	cfg, err = Load(viper.New(), filepath.Join(t.TempDir(), "absent.json"), true)
	require.NoError(t, err)
	assert.Empty(t, cfg.CapabilitiesScope)
}

func TestLoad_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown section", body: `{"agents": {}}`, want: "agents"},
		{name: "unknown provider", body: `{"llm": {"type": "ollama"}}`, want: "llm.type"},
		{name: "threshold out of range", body: `{"router": {"threshold": 1.5}}`, want: "router.threshold"},
		{name: "too many repairs", body: `{"guard": {"max_repairs": 3}}`, want: "guard.max_repairs"},
		{name: "bad duration", body: `{"ladder": {"tier_timeout": "soon"}}`, want: "ladder.tier_timeout"},
		{name: "duplicate scope ids", body: `{"capabilities_scope": ["chat_general", "chat_general"]}`, want: "capabilities_scope"},
		{name: "empty scope id", body: `{"capabilities_scope": [""]}`, want: "capabilities_scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(viper.New(), writeConfig(t, tt.body), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config schema validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_StructRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "exec needs cmd", body: `{"llm": {"type": "exec"}}`, want: "Config.LLM.Cmd"},
		{name: "unknown zone", body: `{"time": {"zone": "Mars/Olympus"}}`, want: "Config.Time.Zone"},
		{name: "qdrant needs addr", body: `{"memory": {"backend": "qdrant"}}`, want: "memory.qdrant.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(viper.New(), writeConfig(t, tt.body), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBraveConfig_APIKey(t *testing.T) {
	t.Setenv("ANCHOR_TEST_BRAVE_KEY", " secret ")

	assert.Equal(t, "secret", BraveConfig{APIKeyEnv: "ANCHOR_TEST_BRAVE_KEY"}.APIKey())
	assert.Empty(t, BraveConfig{}.APIKey())
}
