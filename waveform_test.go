package camstim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/camstim/internal/daq"
)

// Writes the whole of a short protocol and checks the device saw exactly the
// generated waveform, in order, followed by the 0 V reset.
func TestWaveformSchedulerCompletes(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 2000, 1, 1000)
	require.NoError(t, err)
	dev := daq.NewNoHardware("Dev2")
	ws := NewWaveformScheduler(p, dev, "Dev2/ao2")
	ws.pollInterval = 20 * time.Millisecond
	updates := make(chan ClientUpdate, 1000)
	ws.updates = updates

	abort := make(chan struct{})
	started := make(chan error, 1)
	result := make(chan error, 1)
	t0 := time.Now()
	go func() { result <- ws.run(abort, started) }()
	require.NoError(t, <-started)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		close(abort)
		t.Fatal("WaveformScheduler did not finish a 1 s protocol")
	}
	assert.GreaterOrEqual(t, time.Since(t0), 900*time.Millisecond,
		"the scheduler must wait for the clock to play out the protocol")

	written := dev.WrittenSamples("Dev2/ao2")
	require.GreaterOrEqual(t, int64(len(written)), p.TotalSamples())
	want, _ := p.Generate(0, len(written))
	assert.Equal(t, want, written)
	assert.Zero(t, dev.LastInstructedVoltage("Dev2/ao2"))
	assert.Zero(t, dev.OutputLevel("Dev2/ao2"))
	assert.False(t, dev.Reserved("Dev2/ao2"))

	require.NotEmpty(t, updates)
	u := <-updates
	assert.Equal(t, "LASERSTATE", u.tag)
	assert.IsType(t, LaserState{}, u.state)
}

func TestWaveformSchedulerAbort(t *testing.T) {
	p, err := NewStimulusProtocol(0, 30, 4000, 1, 1000)
	require.NoError(t, err)
	dev := daq.NewNoHardware("Dev2")
	ws := NewWaveformScheduler(p, dev, "Dev2/ao2")

	abort := make(chan struct{})
	started := make(chan error, 1)
	result := make(chan error, 1)
	go func() { result <- ws.run(abort, started) }()
	require.NoError(t, <-started)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 10.0, dev.OutputLevel("Dev2/ao2"), "laser should be on mid-pulse")

	close(abort)
	require.NoError(t, <-result)
	assert.Zero(t, dev.LastInstructedVoltage("Dev2/ao2"))
	assert.Zero(t, dev.OutputLevel("Dev2/ao2"))
}

// A failure after the clocked task exists still leaves the output at 0 V.
func TestWaveformSchedulerResetsOnError(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 2000, 1, 1000)
	require.NoError(t, err)
	p.sampleRate = 0 // the sample clock will refuse this
	dev := daq.NewNoHardware("Dev2")
	ws := NewWaveformScheduler(p, dev, "Dev2/ao2")

	started := make(chan error, 1)
	err = ws.run(make(chan struct{}), started)
	assert.ErrorIs(t, err, daq.ErrRange)
	assert.Empty(t, started, "a failed scheduler must not report that it started")
	assert.Zero(t, dev.LastInstructedVoltage("Dev2/ao2"))
	assert.False(t, dev.Reserved("Dev2/ao2"))
}
