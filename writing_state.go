package camstim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/camstim/internal/appendablenpy"
	"github.com/usnistgov/camstim/internal/asyncbufio"
	"github.com/usnistgov/camstim/internal/camera"
)

// WritingState monitors the state of file writing for one experiment. It is the
// FrameSink for the FrameAnnotator.
type WritingState struct {
	Active                       bool
	BasePath                     string
	ExperimentName               string
	FilenamePattern              string
	FramesFilename               string
	TelemetryFilename            string
	WaveformFilename             string
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	FramesWritten                int
	Height, Width                int
	framesFile                   *os.File
	frames                       *appendablenpy.AppendableNPY
	telemetryFile                *os.File
	telemetryWriter              *asyncbufio.Writer
	experimentStateFile          *os.File
	sync.Mutex
}

// ExperimentDirectory is where an experiment called name, started at t, keeps
// its files: <base>/<year>_<month>_<day>/<name>.
func ExperimentDirectory(base, name string, t time.Time) string {
	day := fmt.Sprintf("%d_%d_%d", t.Year(), int(t.Month()), t.Day())
	return filepath.Join(base, day, name)
}

// ValidExperimentName checks that name can serve as a single directory and
// filename component under the data directory.
func ValidExperimentName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("experiment name %q is not allowed", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("experiment name %q must not contain a path separator", name)
	}
	return nil
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the "active" features like open files.
func (ws *WritingState) ComputeState() *WritingState {
	ws.Lock()
	defer ws.Unlock()
	return &WritingState{
		Active:                       ws.Active,
		BasePath:                     ws.BasePath,
		ExperimentName:               ws.ExperimentName,
		FilenamePattern:              ws.FilenamePattern,
		FramesFilename:               ws.FramesFilename,
		TelemetryFilename:            ws.TelemetryFilename,
		WaveformFilename:             ws.WaveformFilename,
		ExperimentStateFilename:      ws.ExperimentStateFilename,
		ExperimentStateLabel:         ws.ExperimentStateLabel,
		ExperimentStateLabelUnixNano: ws.ExperimentStateLabelUnixNano,
		FramesWritten:                ws.FramesWritten,
		Height:                       ws.Height,
		Width:                        ws.Width,
	}
}

// Start will set the WritingState to begin writing into directory path, with
// every filename starting with experimentName.
func (ws *WritingState) Start(experimentName, path string) error {
	ws.Lock()
	defer ws.Unlock()
	if ws.Active {
		return fmt.Errorf("writing is already active in %s", ws.BasePath)
	}
	if err := ValidExperimentName(experimentName); err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0775); err != nil {
		return fmt.Errorf("could not create experiment directory: %w", err)
	}
	ws.Active = true
	ws.BasePath = path
	ws.ExperimentName = experimentName
	ws.FilenamePattern = filepath.Join(path, experimentName+"_%s.%s")
	ws.FramesFilename = fmt.Sprintf(ws.FilenamePattern, "frames", "npy")
	ws.TelemetryFilename = fmt.Sprintf(ws.FilenamePattern, "telemetry", "txt")
	ws.WaveformFilename = fmt.Sprintf(ws.FilenamePattern, "waveform", "npy")
	ws.ExperimentStateFilename = fmt.Sprintf(ws.FilenamePattern, "experiment_state", "txt")
	ws.FramesWritten = 0
	ws.Height, ws.Width = 0, 0
	return ws.setExperimentStateLabel(time.Now(), "START")
}

// WriteWaveform stores the complete AO waveform of protocol as a float64 .npy array.
func (ws *WritingState) WriteWaveform(protocol *StimulusProtocol) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot write waveform when writing is not active")
	}
	waveform, _ := protocol.Generate(0, int(protocol.TotalSamples()))
	f, err := os.Create(ws.WaveformFilename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, waveform); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", ws.WaveformFilename, err)
	}
	return f.Close()
}

// WriteFrame appends an annotated frame to the frame stack and its telemetry
// value to the telemetry log. The first frame fixes the stack's geometry.
func (ws *WritingState) WriteFrame(frame *camera.Frame, telemetry float64) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot write frame %d when writing is not active", frame.ID)
	}
	if ws.frames == nil {
		if err := ws.openFrameFiles(frame.Height, frame.Width); err != nil {
			return err
		}
	}
	if frame.Height != ws.Height || frame.Width != ws.Width {
		return fmt.Errorf("frame %d is %dx%d, but this run's frames are %dx%d",
			frame.ID, frame.Height, frame.Width, ws.Height, ws.Width)
	}
	if err := ws.frames.Append(frame.Buffer[:frame.BufferSize()]); err != nil {
		return fmt.Errorf("writing frame %d: %w", frame.ID, err)
	}
	ws.FramesWritten++
	line := fmt.Sprintf("%d, %d, %.6f, %d\n", frame.ID, frame.Timestamp.UnixNano(),
		telemetry, EncodeLaserStrength(telemetry))
	if _, err := ws.telemetryWriter.WriteString(line); err != nil {
		return fmt.Errorf("logging telemetry of frame %d: %w", frame.ID, err)
	}
	return nil
}

func (ws *WritingState) openFrameFiles(height, width int) error {
	var err error
	ws.framesFile, err = os.Create(ws.FramesFilename)
	if err != nil {
		return err
	}
	ws.frames, err = appendablenpy.Open(ws.framesFile, "'|u1'", []int{height, width}, height*width)
	if err != nil {
		return fmt.Errorf("%v, filename: <%v>", err, ws.FramesFilename)
	}
	ws.Height, ws.Width = height, width

	ws.telemetryFile, err = os.Create(ws.TelemetryFilename)
	if err != nil {
		return err
	}
	ws.telemetryWriter = asyncbufio.NewWriter(ws.telemetryFile, 1024, time.Second)
	_, err = ws.telemetryWriter.WriteString("# frame id, unix time in nanoseconds, laser monitor volts, encoded pixel\n")
	return err
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		// create state file if neccesary
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		// write header
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}

// Stop will set the WritingState to be completely stopped, closing all files.
// Stopping an inactive WritingState is a no-op.
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	ws.Active = false
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ws.telemetryWriter != nil {
		keep(ws.telemetryWriter.Close())
		keep(ws.telemetryFile.Close())
		ws.telemetryWriter = nil
		ws.telemetryFile = nil
	}
	if ws.framesFile != nil {
		keep(ws.framesFile.Close())
		ws.framesFile = nil
		ws.frames = nil
	}
	if ws.experimentStateFile != nil {
		keep(ws.setExperimentStateLabel(time.Now(), "STOP"))
		keep(ws.experimentStateFile.Close())
		ws.experimentStateFile = nil
	}
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	return firstErr
}
