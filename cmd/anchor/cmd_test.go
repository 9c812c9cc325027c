package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/metalagman/anchor/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUtterances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "batch.txt")
	body := "# smoke set\n¿qué día es hoy?\n\n  recuérdame mañana llamar a mamá  \nnoticias de hoy\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	got, err := readUtterances(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"¿qué día es hoy?",
		"recuérdame mañana llamar a mamá",
		"noticias de hoy",
	}, got)

	_, err = readUtterances(filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorContains(t, err, "open utterances")
}

func TestWriteJSON_KeepsAccents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]string{"text": "¿Qué tal? <ok>"}))
	assert.Equal(t, "{\n  \"text\": \"¿Qué tal? <ok>\"\n}\n", buf.String())
}

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{"store": {"path": %q}, "memory": {"backend": "sqlite"}}`, filepath.Join(dir, "anchor.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "capabilities")
	require.ErrorContains(t, err, "read config")

	out, err := execute(t, "--config", writeTestConfig(t, t.TempDir()), "capabilities")
	require.NoError(t, err)
	assert.Contains(t, out, "reminder_create")
}

func TestLoadConfig_DefaultPathIsOptionalOnlyWhenImplicit(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "capabilities")
	require.NoError(t, err)
	assert.Contains(t, out, "chat_general")

	_, err = execute(t, "--config", defaultConfigPath, "capabilities")
	require.ErrorContains(t, err, "read config")
}

func TestMemoryCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	out, err := execute(t, "--config", cfg, "memory", "remember", "--user", "u1", "Tiene un perro llamado Toby")
	require.NoError(t, err)
	var stored struct {
		ID     int64  `json:"id"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.Equal(t, "u1", stored.UserID)
	require.Positive(t, stored.ID)

	conn, err := db.Open(filepath.Join(dir, "anchor.db"))
	require.NoError(t, err)
	hits, err := db.NewStore(conn).SearchFacts(context.Background(), "u1", "¿cómo se llama mi perro?", 5)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Len(t, hits, 1)
	assert.Equal(t, "Tiene un perro llamado Toby", hits[0].Content)

	id := strconv.FormatInt(stored.ID, 10)
	_, err = execute(t, "--config", cfg, "memory", "forget", "--user", "u2", id)
	require.ErrorContains(t, err, "not found")

	out, err = execute(t, "--config", cfg, "memory", "forget", "--user", "u1", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": true`)

	_, err = execute(t, "--config", cfg, "memory", "forget", "--user", "u1", id)
	require.ErrorContains(t, err, "not found")

	_, err = execute(t, "--config", cfg, "memory", "remember", "ok")
	require.ErrorContains(t, err, "too short")
	_, err = execute(t, "--config", cfg, "memory", "forget", "abc")
	require.ErrorContains(t, err, "invalid fact id")
}

func TestEvalGate_ReportsThresholdsAndStoredRecords(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	out, err := execute(t, "--config", cfg, "eval", "gate", "--window", "50")
	require.ErrorIs(t, err, errGateBlocked)

	var report struct {
		Verdict struct {
			Pass bool `json:"pass"`
		} `json:"verdict"`
		Thresholds struct {
			MinSamples int `json:"min_samples"`
		} `json:"thresholds"`
		Window int `json:"window"`
		Stored int `json:"stored"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Verdict.Pass)
	assert.Equal(t, 50, report.Window)
	assert.Zero(t, report.Stored)
	assert.Positive(t, report.Thresholds.MinSamples)
}
