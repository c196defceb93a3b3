package camstim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/usnistgov/camstim/internal/camera"
	"github.com/usnistgov/camstim/internal/daq"
	"github.com/usnistgov/camstim/internal/rigdb"
)

// ErrInterrupted is returned by Run when its context is cancelled before the
// protocol finishes, e.g. by the operator pressing ctrl-C.
var ErrInterrupted = errors.New("experiment interrupted")

// ExperimentConfig holds everything about a run that is not the stimulus protocol.
type ExperimentConfig struct {
	Name             string
	CameraIndex      int
	CameraSettings   string // camera settings file; failure to load it is only a warning
	DataDir          string // experiment files go in ExperimentDirectory(DataDir, Name, start)
	AOChannel        string
	AIChannel        string
	MaxFrames        int
	ProgressInterval time.Duration
	Progress         io.Writer // receives the countdown; may be nil
}

// Experiment runs one protocol: laser stimulation, telemetry readback, and
// annotated image acquisition, from start to a safe stop.
type Experiment struct {
	protocol  *StimulusProtocol
	config    ExperimentConfig
	device    daq.Device
	session   camera.Session
	db        *rigdb.RigDBConnection
	updates   chan<- ClientUpdate
	telemetry TelemetryState
	tasks     *LaserTasks
	writing   WritingState
	annotator *FrameAnnotator

	stopLock  sync.Mutex // guards stopped
	stopped   bool
	stopAsked chan struct{} // closed by the first Stop
}

// ProgressMessage reports the countdown to clients.
type ProgressMessage struct {
	Name             string
	SecondsRemaining int
	TotalSeconds     uint
	FramesAnnotated  uint64
	FramesFailed     uint64
	Telemetry        float64
}

// ProtocolMessage announces the protocol of a run that is starting.
type ProtocolMessage struct {
	Name           string
	PrePostSeconds uint
	OnSeconds      uint
	CurrentmA      float64
	PulseVolts     float64
	NStim          uint
	SampleRate     int
	TotalSeconds   uint
}

// NewExperiment prepares, but does not start, a run. The camera session must
// already be started.
func NewExperiment(protocol *StimulusProtocol, config ExperimentConfig, device daq.Device,
	session camera.Session) *Experiment {
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 2 * time.Second
	}
	if config.MaxFrames <= 0 {
		config.MaxFrames = 5000
	}
	e := &Experiment{
		protocol:  protocol,
		config:    config,
		device:    device,
		session:   session,
		db:        rigdb.DummyDBConnection(),
		stopAsked: make(chan struct{}),
	}
	e.tasks = NewLaserTasks(protocol, device, config.AOChannel, config.AIChannel, &e.telemetry, nil)
	e.annotator = NewFrameAnnotator(&e.telemetry, &e.writing)
	return e
}

// SetClientUpdates makes the experiment publish its state on updates.
// Call it before Run.
func (e *Experiment) SetClientUpdates(updates chan<- ClientUpdate) {
	e.updates = updates
	e.tasks.setClientUpdates(updates)
}

// SetDB makes the experiment record itself in db.
func (e *Experiment) SetDB(db *rigdb.RigDBConnection) {
	e.db = db
}

// Telemetry returns the present smoothed laser monitor voltage.
func (e *Experiment) Telemetry() float64 {
	return e.telemetry.Value()
}

// WritingState returns a copy of the experiment's file-writing state.
func (e *Experiment) WritingState() *WritingState {
	return e.writing.ComputeState()
}

func (e *Experiment) publish(tag string, state any) {
	if e.updates != nil {
		e.updates <- ClientUpdate{tag, state}
	}
}

func (e *Experiment) printf(format string, args ...any) {
	if e.config.Progress != nil {
		fmt.Fprintf(e.config.Progress, format, args...)
	}
}

// Stop stops the laser tasks from any goroutine and makes Run return
// ErrInterrupted, even when Run has not yet started them. Extra calls are
// harmless.
func (e *Experiment) Stop() error {
	e.stopLock.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopAsked)
	}
	e.stopLock.Unlock()
	return e.tasks.Stop()
}

func (e *Experiment) stopRequested() bool {
	e.stopLock.Lock()
	defer e.stopLock.Unlock()
	return e.stopped
}

// Run executes the experiment until the protocol's total duration has passed
// or ctx is cancelled. Whatever happens, the laser tasks are stopped (leaving
// the laser at 0 V) and all files closed before Run returns.
func (e *Experiment) Run(ctx context.Context) (err error) {
	p := e.protocol
	if e.stopRequested() {
		return ErrInterrupted
	}
	if err := ValidExperimentName(e.config.Name); err != nil {
		return err
	}
	start := time.Now()
	dir := ExperimentDirectory(e.config.DataDir, e.config.Name, start)
	if err := e.writing.Start(e.config.Name, dir); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.writing.Stop())
	}()
	if err := e.writing.WriteWaveform(p); err != nil {
		return err
	}

	record := &rigdb.ExperimentMessage{
		ID: rigdb.NewID(start), Name: e.config.Name, Directory: dir,
		PrePostSeconds: p.PrePostSeconds(), OnSeconds: p.OnSeconds(), CurrentmA: p.CurrentmA(),
		NStim: p.NStim(), SampleRate: p.SampleRate(), Start: start,
	}
	entry := *record
	e.db.RecordExperiment(&entry)
	defer func() {
		final := *record
		final.FramesWritten = e.writing.ComputeState().FramesWritten
		final.Completed = err == nil
		e.db.FinishExperiment(&final)
	}()
	e.publish("PROTOCOL", ProtocolMessage{
		Name: e.config.Name, PrePostSeconds: p.PrePostSeconds(), OnSeconds: p.OnSeconds(),
		CurrentmA: p.CurrentmA(), PulseVolts: p.PulseVolts(), NStim: p.NStim(),
		SampleRate: p.SampleRate(), TotalSeconds: p.TotalSeconds(),
	})

	e.printf("Starting laser tasks\n")
	if err := e.tasks.Start(); err != nil {
		e.tasks.Stop() // joins workers that a concurrent Stop aborted mid-start
		if e.stopRequested() {
			return fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		return fmt.Errorf("could not start laser tasks: %w", err)
	}
	defer func() {
		err = errors.Join(err, e.tasks.Stop())
	}()

	e.printf("Opening camera\n")
	cam, err := e.session.Open(e.config.CameraIndex)
	if err != nil {
		return fmt.Errorf("could not open camera %d: %w", e.config.CameraIndex, err)
	}
	defer cam.Close()
	record.CameraID = cam.ID()
	if err := cam.LoadSettings(e.config.CameraSettings); err != nil {
		ProblemLogger.Printf("camera %s: %v", cam.ID(), err)
		e.printf("Could not find camera configuration file %s\n", e.config.CameraSettings)
		e.printf("Reverting to whatever defaults are currently set...\n")
	}

	cam.OnFrameReceived(e.annotator.FrameReceived)
	if err := cam.StartContinuousAcquisition(e.config.MaxFrames); err != nil {
		return fmt.Errorf("could not start acquisition on camera %s: %w", cam.ID(), err)
	}
	defer cam.StopContinuousAcquisition()
	e.writing.SetExperimentStateLabel(time.Now(), "ACQUIRE")
	e.printf("Started continuous capture. Total length: %d seconds\n", p.TotalSeconds())

	if err := e.countdown(ctx); err != nil {
		e.writing.SetExperimentStateLabel(time.Now(), "INTERRUPTED")
		return err
	}
	return nil
}

// countdown waits out the protocol, reporting progress, and returns early on
// cancellation or a laser task failure.
func (e *Experiment) countdown(ctx context.Context) error {
	total := e.protocol.TotalDuration()
	deadline := time.Now().Add(total)
	finished := time.NewTimer(total)
	defer finished.Stop()
	ticker := time.NewTicker(e.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrInterrupted, context.Cause(ctx))
		case <-e.stopAsked:
			return fmt.Errorf("%w: stop requested", ErrInterrupted)
		case <-e.tasks.Done():
			if e.stopRequested() {
				return fmt.Errorf("%w: stop requested", ErrInterrupted)
			}
			if err := e.tasks.Err(); err != nil {
				return err
			}
			return fmt.Errorf("laser tasks ended early")
		case <-finished.C:
			return nil
		case <-ticker.C:
			if err := e.tasks.Err(); err != nil {
				return err
			}
			remaining := int(math.Ceil(time.Until(deadline).Seconds()))
			if remaining < 0 {
				remaining = 0
			}
			e.printf("%d seconds remaining.\n", remaining)
			annotated, failed := e.annotator.Counts()
			e.publish("PROGRESS", ProgressMessage{
				Name: e.config.Name, SecondsRemaining: remaining, TotalSeconds: e.protocol.TotalSeconds(),
				FramesAnnotated: annotated, FramesFailed: failed, Telemetry: e.telemetry.Value(),
			})
		}
	}
}
