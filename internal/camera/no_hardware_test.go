package camera

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoHardwareSession(t *testing.T) {
	session := NewNoHardware(2)
	_, err := session.Cameras()
	assert.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, session.Startup())
	ids, err := session.Cameras()
	require.NoError(t, err)
	assert.Equal(t, []string{"DEV_SIM0000", "DEV_SIM0001"}, ids)
	_, err = session.Open(2)
	assert.ErrorIs(t, err, ErrNoSuchCamera)
	cam, err := session.Open(1)
	require.NoError(t, err)
	assert.Equal(t, "DEV_SIM0001", cam.ID())
	require.NoError(t, session.Shutdown())
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	cam := &SimCamera{Height: 10, Width: 10, FrameRate: 1, isOpen: true}
	assert.Error(t, cam.LoadSettings(filepath.Join(dir, "missing.yaml")))
	assert.Equal(t, 10, cam.Width, "failed load must leave settings alone")

	good := filepath.Join(dir, "CaSettings.yaml")
	require.NoError(t, os.WriteFile(good, []byte("Width: 64\nHeight: 32\nFrameRate: 50\n"), 0644))
	require.NoError(t, cam.LoadSettings(good))
	assert.Equal(t, 64, cam.Width)
	assert.Equal(t, 32, cam.Height)
	assert.Equal(t, 50.0, cam.FrameRate)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("Width: -1\n"), 0644))
	assert.Error(t, cam.LoadSettings(bad))
	assert.Equal(t, 64, cam.Width, "invalid settings must not be applied")
}

func TestContinuousAcquisition(t *testing.T) {
	cam := &SimCamera{id: "x", Height: 4, Width: 6, FrameRate: 500, isOpen: true}
	assert.ErrorIs(t, cam.StartContinuousAcquisition(5), ErrNoHandler)

	var mu sync.Mutex
	var ids []uint64
	inHandler := false
	cam.OnFrameReceived(func(f *Frame) {
		mu.Lock()
		if inHandler {
			t.Error("handler re-entered")
		}
		inHandler = true
		ids = append(ids, f.ID)
		mu.Unlock()
		assert.Equal(t, 24, f.BufferSize())
		assert.Len(t, f.Buffer, 24)
		mu.Lock()
		inHandler = false
		mu.Unlock()
	})
	require.NoError(t, cam.StartContinuousAcquisition(5))
	assert.ErrorIs(t, cam.StartContinuousAcquisition(5), ErrAcquiring)

	require.Eventually(t, func() bool { return cam.Delivered() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cam.StopContinuousAcquisition())
	require.NoError(t, cam.StopContinuousAcquisition())
	mu.Lock()
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, ids)
	mu.Unlock()

	require.NoError(t, cam.Close())
	assert.ErrorIs(t, cam.StartContinuousAcquisition(5), ErrNotOpen)
}
