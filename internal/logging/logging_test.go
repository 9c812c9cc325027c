package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Debug: true, JSON: true, Out: &buf})
	t.Cleanup(func() { Setup(Options{}) })

	logger := Component("router")
	logger.Debug().Str("capability", "chat_general").Msg("classified")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "chat_general", line["capability"])
	assert.Equal(t, "debug", line["level"])
}

func TestSetup_InfoLevelDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{JSON: true, Out: &buf})
	t.Cleanup(func() { Setup(Options{}) })

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}
