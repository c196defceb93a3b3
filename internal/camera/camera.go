// Package camera describes the small part of a machine-vision camera API that an
// experiment needs: enumerate cameras, open one, load a settings file, and run
// continuous acquisition with a per-frame callback.
package camera

import (
	"errors"
	"time"
)

// Frame is one monochrome 8-bit image as delivered by the driver.
// Buffer is row-major, Height rows of Width pixels.
type Frame struct {
	ID        uint64
	Timestamp time.Time
	Height    int
	Width     int
	Buffer    []byte
}

// BufferSize is the number of pixels the frame claims to hold.
func (f *Frame) BufferSize() int {
	return f.Height * f.Width
}

// FrameHandler is invoked once per frame. The driver does not deliver the next
// frame until the handler returns, and may reuse Buffer afterwards.
type FrameHandler func(*Frame)

// Session is the driver-level entry point (one per process).
type Session interface {
	Startup() error
	Cameras() ([]string, error)
	Open(index int) (Camera, error)
	Shutdown() error
}

// Camera is one opened camera.
type Camera interface {
	ID() string
	LoadSettings(path string) error
	OnFrameReceived(handler FrameHandler)
	StartContinuousAcquisition(maxFrames int) error
	StopContinuousAcquisition() error
	Close() error
}

// Errors returned by sessions and cameras.
var (
	ErrNotStarted   = errors.New("camera: session not started")
	ErrNoSuchCamera = errors.New("camera: no camera at that index")
	ErrNotOpen      = errors.New("camera: camera is not open")
	ErrAcquiring    = errors.New("camera: acquisition already running")
	ErrNoHandler    = errors.New("camera: no frame handler registered")
)
