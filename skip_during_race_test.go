//go:build !race

package camstim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// After the writer finishes the protocol the reader keeps running until Stop.
func TestLaserTasksProtocolEnds(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 4000, 1, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	var state TelemetryState
	updates := make(chan ClientUpdate, 10000)
	lt := NewLaserTasks(p, dev, testAO, testAI, &state, updates)
	require.NoError(t, lt.Start())

	ok := waitFor(3*time.Second, func() bool { return state.Value() < -9 })
	assert.True(t, ok, "telemetry reached only %v during the pulse", state.Value())
	ok = waitFor(5*time.Second, func() bool { return !dev.Reserved(testAO) })
	require.True(t, ok, "writer did not finish the protocol")
	assert.Zero(t, dev.LastInstructedVoltage(testAO))
	assert.True(t, dev.Reserved(testAI), "reader stops only when told")

	ok = waitFor(3*time.Second, func() bool { return state.Value() > -0.5 })
	assert.True(t, ok, "telemetry should decay once the laser is off, got %v", state.Value())
	require.NoError(t, lt.Stop())
	assert.NoError(t, lt.Err())

	var ntelemetry, nlaser int
	for len(updates) > 0 {
		u := <-updates
		switch u.tag {
		case "TELEMETRY":
			ntelemetry++
			msg := u.state.(TelemetryMessage)
			assert.GreaterOrEqual(t, msg.BatchSize, minReadBatch)
		case "LASERSTATE":
			nlaser++
		}
	}
	assert.Positive(t, ntelemetry)
	assert.Positive(t, nlaser)
}
