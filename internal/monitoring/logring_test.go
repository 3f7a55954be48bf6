package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/adred-codev/roomcast/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRingKeepsNewestLines(t *testing.T) {
	ring := NewLogRing(3)
	for _, line := range []string{"a\n", "b\n", "c\n", "d\n"} {
		_, err := ring.Write([]byte(line))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, []string{"b", "c", "d"}, ring.Lines(0))
	assert.Equal(t, []string{"c", "d"}, ring.Lines(2))
}

func TestLogRingBeforeWrap(t *testing.T) {
	ring := NewLogRing(5)
	ring.Write([]byte("one"))
	ring.Write([]byte("two"))

	assert.Equal(t, []string{"one", "two"}, ring.Lines(10))
	assert.Equal(t, []string{"two"}, ring.Lines(1))
}

func TestNewLoggerTeesIntoRing(t *testing.T) {
	ring := NewLogRing(10)
	var out bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
		Ring:   ring,
		Output: &out,
	})

	logger.Debug().Msg("hidden")
	logger.Info().Str("room", "group:a").Msg("visible")

	lines := ring.Lines(0)
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "group:a", entry["room"])
	assert.Equal(t, "roomcast", entry["service"])
	assert.Contains(t, out.String(), "visible")
}
