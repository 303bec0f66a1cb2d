package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Writer: &buf})
	require.NoError(t, err)

	logger.Debug().Int("worker", 3).Msg("game finished")
	logger.Trace().Msg("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "game finished", entry["message"])
	assert.Equal(t, 3.0, entry["worker"])
	assert.Contains(t, entry, "time")
}

func TestNewPretty(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Pretty: true, Writer: &buf})
	require.NoError(t, err)
	logger.Info().Str("game", "g1").Msg("hello")
	logger.Debug().Msg("below info")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "g1")
	assert.NotContains(t, out, "below info")
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestLoggerTravelsInContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Writer: &buf})
	require.NoError(t, err)

	ctx := logger.WithContext(context.Background())
	zerolog.Ctx(ctx).Info().Msg("from ctx")
	assert.Contains(t, buf.String(), "from ctx")
}
