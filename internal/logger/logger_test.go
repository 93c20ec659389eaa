package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter(&buf, "debug", "json"))
	t.Cleanup(func() { _ = InitWriter(&bytes.Buffer{}, "info", "json") })

	l := WithComponent("validator")
	l.Debug().Str("proxy", "socks5://1.2.3.4:1080").Msg("rejected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "validator", entry["component"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "rejected", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter(&buf, "WARN", "console"))
	t.Cleanup(func() { _ = InitWriter(&bytes.Buffer{}, "info", "json") })

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitRejectsBadInput(t *testing.T) {
	assert.Error(t, InitWriter(&bytes.Buffer{}, "loud", "json"))
	assert.Error(t, InitWriter(&bytes.Buffer{}, "info", "xml"))
}
