package camstim

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/camstim/internal/camera"
)

func startedSession(t *testing.T) *camera.NoHardware {
	session := camera.NewNoHardware(1)
	require.NoError(t, session.Startup())
	t.Cleanup(func() { session.Shutdown() })
	return session
}

func smallCameraSettings(t *testing.T) string {
	file := filepath.Join(t.TempDir(), "CaSettings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("Width: 64\nHeight: 48\nFrameRate: 40\n"), 0644))
	return file
}

func TestExperimentRun(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 4000, 1, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	base := t.TempDir()
	var progress bytes.Buffer
	updates := make(chan ClientUpdate, 10000)

	e := NewExperiment(p, ExperimentConfig{
		Name:             "sample",
		CameraSettings:   smallCameraSettings(t),
		DataDir:          base,
		AOChannel:        testAO,
		AIChannel:        testAI,
		ProgressInterval: 200 * time.Millisecond,
		Progress:         &progress,
	}, dev, startedSession(t))
	e.SetClientUpdates(updates)

	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, dev.LastInstructedVoltage(testAO))
	assert.False(t, dev.Reserved(testAO))
	assert.False(t, dev.Reserved(testAI))
	assert.NoError(t, e.Stop(), "Stop after Run is a no-op")
	assert.Contains(t, progress.String(), "Started continuous capture. Total length: 1 seconds")
	assert.Contains(t, progress.String(), "seconds remaining.")

	ws := e.WritingState()
	assert.False(t, ws.Active)
	assert.Positive(t, ws.FramesWritten)
	assert.Equal(t, ExperimentDirectory(base, "sample", time.Now()), ws.BasePath)

	f, err := os.Open(ws.FramesFilename)
	require.NoError(t, err)
	defer f.Close()
	r, err := npyio.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, []int{ws.FramesWritten, 48, 64}, r.Header.Descr.Shape)

	// Some frame taken during the 10 V pulse carries a bright overlay.
	var pixels []uint8
	require.NoError(t, r.Read(&pixels))
	brightest := uint8(0)
	for n := 0; n < ws.FramesWritten; n++ {
		brightest = max(brightest, pixels[n*48*64])
	}
	assert.Greater(t, brightest, uint8(200))

	text, err := os.ReadFile(ws.ExperimentStateFilename)
	require.NoError(t, err)
	assert.Contains(t, string(text), ", START")
	assert.Contains(t, string(text), ", ACQUIRE")
	assert.Contains(t, string(text), ", STOP")
	assert.NotContains(t, string(text), ", INTERRUPTED")

	tags := make(map[string]int)
	for len(updates) > 0 {
		tags[(<-updates).tag]++
	}
	assert.Equal(t, 1, tags["PROTOCOL"])
	assert.Positive(t, tags["PROGRESS"])
	assert.Positive(t, tags["TELEMETRY"])
}

func TestExperimentInterrupted(t *testing.T) {
	p, err := NewStimulusProtocol(0, 20, 4000, 2, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	var progress bytes.Buffer
	e := NewExperiment(p, ExperimentConfig{
		Name:           "interrupted",
		CameraSettings: filepath.Join(t.TempDir(), "missing.yaml"),
		DataDir:        t.TempDir(),
		AOChannel:      testAO,
		AIChannel:      testAI,
		Progress:       &progress,
	}, dev, startedSession(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)
	start := time.Now()
	err = e.Run(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, dev.LastInstructedVoltage(testAO), "the laser must be off after an interrupt")
	assert.Zero(t, dev.OutputLevel(testAO))
	assert.Contains(t, progress.String(), "Reverting to whatever defaults are currently set")

	text, err := os.ReadFile(e.WritingState().ExperimentStateFilename)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(text)), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasSuffix(lines[len(lines)-2], ", INTERRUPTED"))
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], ", STOP"))
}

func TestExperimentNoCamera(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 1000, 1, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	e := NewExperiment(p, ExperimentConfig{
		Name:        "nocam",
		CameraIndex: 5,
		DataDir:     t.TempDir(),
		AOChannel:   testAO,
		AIChannel:   testAI,
	}, dev, startedSession(t))

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, camera.ErrNoSuchCamera)
	assert.Zero(t, dev.LastInstructedVoltage(testAO))
	assert.False(t, dev.Reserved(testAO))
	assert.False(t, dev.Reserved(testAI))
}

func TestExperimentStopFromAnotherGoroutine(t *testing.T) {
	p, err := NewStimulusProtocol(0, 20, 4000, 2, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	e := NewExperiment(p, ExperimentConfig{
		Name:           "stopped",
		CameraSettings: smallCameraSettings(t),
		DataDir:        t.TempDir(),
		AOChannel:      testAO,
		AIChannel:      testAI,
	}, dev, startedSession(t))

	result := make(chan error, 1)
	go func() { result <- e.Run(context.Background()) }()
	for i := 0; i < 200; i++ {
		e.Stop()
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Zero(t, dev.LastInstructedVoltage(testAO), "the laser must be off after Stop")
	assert.Zero(t, dev.OutputLevel(testAO))
	assert.False(t, dev.Reserved(testAO))
	assert.False(t, dev.Reserved(testAI))
}

func TestExperimentStopBeforeRun(t *testing.T) {
	p, err := NewStimulusProtocol(0, 20, 4000, 2, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	e := NewExperiment(p, ExperimentConfig{
		Name:      "never",
		DataDir:   t.TempDir(),
		AOChannel: testAO,
		AIChannel: testAI,
	}, dev, startedSession(t))

	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Run(context.Background()), ErrInterrupted)
	assert.False(t, dev.Reserved(testAO), "a stopped experiment must not start the laser")
	assert.Zero(t, dev.LastInstructedVoltage(testAO))
}

func TestExperimentNameEscapingDataDir(t *testing.T) {
	p, err := NewStimulusProtocol(0, 1, 1000, 1, 1000)
	require.NoError(t, err)
	dev := loopedDevice()
	parent := t.TempDir()
	base := filepath.Join(parent, "data")
	e := NewExperiment(p, ExperimentConfig{
		Name:      "../x",
		DataDir:   base,
		AOChannel: testAO,
		AIChannel: testAI,
	}, dev, startedSession(t))

	assert.Error(t, e.Run(context.Background()))
	assert.False(t, dev.Reserved(testAO))
	_, err = os.Stat(base)
	assert.True(t, os.IsNotExist(err), "nothing may be written for a bad name")
}
