package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// NoHardware is a camera Session that requires no hardware. Its cameras emit
// synthetic frames (a moving gradient) at a fixed frame rate.
type NoHardware struct {
	ids     []string
	started bool
	open    map[int]*SimCamera
	sync.Mutex
}

// NewNoHardware returns a Session with ncam simulated cameras.
func NewNoHardware(ncam int) *NoHardware {
	nh := &NoHardware{open: make(map[int]*SimCamera)}
	for i := 0; i < ncam; i++ {
		nh.ids = append(nh.ids, fmt.Sprintf("DEV_SIM%04d", i))
	}
	return nh
}

// Startup opens the session.
func (nh *NoHardware) Startup() error {
	nh.Lock()
	defer nh.Unlock()
	nh.started = true
	return nil
}

// Cameras lists the simulated camera ids.
func (nh *NoHardware) Cameras() ([]string, error) {
	nh.Lock()
	defer nh.Unlock()
	if !nh.started {
		return nil, ErrNotStarted
	}
	return append([]string(nil), nh.ids...), nil
}

// Open returns the camera at index, with default geometry 480x640 at 20 fps.
func (nh *NoHardware) Open(index int) (Camera, error) {
	nh.Lock()
	defer nh.Unlock()
	if !nh.started {
		return nil, ErrNotStarted
	}
	if index < 0 || index >= len(nh.ids) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchCamera, index, len(nh.ids))
	}
	cam := &SimCamera{id: nh.ids[index], Height: 480, Width: 640, FrameRate: 20, isOpen: true}
	nh.open[index] = cam
	return cam, nil
}

// Shutdown stops any acquisition still running and closes every camera.
func (nh *NoHardware) Shutdown() error {
	nh.Lock()
	cams := make([]*SimCamera, 0, len(nh.open))
	for _, cam := range nh.open {
		cams = append(cams, cam)
	}
	nh.open = make(map[int]*SimCamera)
	nh.started = false
	nh.Unlock()

	for _, cam := range cams {
		cam.StopContinuousAcquisition()
		cam.Close()
	}
	return nil
}

// SimCamera is one simulated camera. Geometry and rate may be set directly or
// through LoadSettings before acquisition starts.
type SimCamera struct {
	id        string
	Height    int
	Width     int
	FrameRate float64
	handler   FrameHandler
	isOpen    bool
	abort     chan struct{}
	done      chan struct{}
	delivered uint64
	sync.Mutex
}

// ID returns the camera id.
func (c *SimCamera) ID() string {
	return c.id
}

// LoadSettings reads Width, Height and FrameRate from a config file in any
// format viper understands.
func (c *SimCamera) LoadSettings(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("could not load camera settings %q: %w", path, err)
	}
	c.Lock()
	defer c.Unlock()
	width, height, rate := c.Width, c.Height, c.FrameRate
	if v.IsSet("Width") {
		width = v.GetInt("Width")
	}
	if v.IsSet("Height") {
		height = v.GetInt("Height")
	}
	if v.IsSet("FrameRate") {
		rate = v.GetFloat64("FrameRate")
	}
	if width <= 0 || height <= 0 || rate <= 0 {
		return fmt.Errorf("camera settings %q give invalid geometry %dx%d at %v fps",
			path, height, width, rate)
	}
	c.Width, c.Height, c.FrameRate = width, height, rate
	return nil
}

// OnFrameReceived registers the per-frame handler.
func (c *SimCamera) OnFrameReceived(handler FrameHandler) {
	c.Lock()
	defer c.Unlock()
	c.handler = handler
}

// Delivered is the number of frames handed to the handler so far.
func (c *SimCamera) Delivered() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.delivered
}

// StartContinuousAcquisition launches the frame loop, which stops by itself
// after maxFrames frames.
func (c *SimCamera) StartContinuousAcquisition(maxFrames int) error {
	c.Lock()
	defer c.Unlock()
	if !c.isOpen {
		return ErrNotOpen
	}
	if c.handler == nil {
		return ErrNoHandler
	}
	if c.abort != nil {
		return ErrAcquiring
	}
	c.abort = make(chan struct{})
	c.done = make(chan struct{})
	period := time.Duration(float64(time.Second) / c.FrameRate)
	go c.acquire(c.handler, c.Height, c.Width, period, maxFrames, c.abort, c.done)
	return nil
}

func (c *SimCamera) acquire(handler FrameHandler, height, width int, period time.Duration,
	maxFrames int, abort <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	buffer := make([]byte, height*width)
	for n := 0; n < maxFrames; n++ {
		select {
		case <-abort:
			return
		case now := <-ticker.C:
			for i := range buffer {
				buffer[i] = byte(i%width + n)
			}
			frame := &Frame{ID: uint64(n), Timestamp: now, Height: height, Width: width, Buffer: buffer}
			handler(frame)
			c.Lock()
			c.delivered++
			c.Unlock()
		}
	}
}

// StopContinuousAcquisition stops the frame loop and waits for the handler to
// return from any frame in progress. Stopping an idle camera is a no-op.
func (c *SimCamera) StopContinuousAcquisition() error {
	c.Lock()
	abort, done := c.abort, c.done
	c.abort, c.done = nil, nil
	c.Unlock()
	if abort == nil {
		return nil
	}
	close(abort)
	<-done
	return nil
}

// Close closes the camera.
func (c *SimCamera) Close() error {
	c.Lock()
	defer c.Unlock()
	if !c.isOpen {
		return ErrNotOpen
	}
	c.isOpen = false
	return nil
}
