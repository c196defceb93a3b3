package camstim

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUpdate(t *testing.T) {
	msg, err := encodeUpdate(ClientUpdate{"TELEMETRY", TelemetryMessage{Smoothed: -2.5, Encoded: 64, BatchSize: 10}})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, -2.5, decoded["Smoothed"])
	assert.Equal(t, 64.0, decoded["Encoded"])
	assert.Equal(t, 10.0, decoded["BatchSize"])

	_, err = encodeUpdate(ClientUpdate{"TELEMETRY", TelemetryMessage{Mean: math.Inf(1)}})
	assert.Error(t, err, "JSON cannot carry infinities")
}

func TestQuietTags(t *testing.T) {
	for _, tag := range []string{"TELEMETRY", "LASERSTATE", "ALIVE"} {
		assert.True(t, quietTags[tag], tag)
	}
	for _, tag := range []string{"PROTOCOL", "PROGRESS"} {
		assert.False(t, quietTags[tag], tag)
	}
}
