package camstim

import (
	"fmt"
	"sync/atomic"

	"github.com/usnistgov/camstim/internal/camera"
)

// OverlaySize is the side of the square in the top-left corner of each frame
// that carries the encoded laser strength.
const OverlaySize = 50

// FrameSink takes ownership of annotated frames, one at a time.
type FrameSink interface {
	WriteFrame(frame *camera.Frame, telemetry float64) error
}

// FrameAnnotator stamps the present laser telemetry into each camera frame
// and forwards the result to a FrameSink.
type FrameAnnotator struct {
	state   *TelemetryState
	sink    FrameSink
	nframes atomic.Uint64
	nerrors atomic.Uint64
}

// NewFrameAnnotator returns an annotator reading state and writing to sink.
func NewFrameAnnotator(state *TelemetryState, sink FrameSink) *FrameAnnotator {
	return &FrameAnnotator{state: state, sink: sink}
}

// AnnotateFrame returns a copy of src whose top-left OverlaySize square (or
// less, for a smaller frame) is filled with pixel, all other pixels unchanged.
func AnnotateFrame(src *camera.Frame, pixel byte) (*camera.Frame, error) {
	if src.Height < 0 || src.Width < 0 {
		return nil, fmt.Errorf("frame %d has negative geometry %dx%d", src.ID, src.Height, src.Width)
	}
	npix := src.BufferSize()
	if len(src.Buffer) < npix {
		return nil, fmt.Errorf("frame %d has %d bytes, want %dx%d=%d",
			src.ID, len(src.Buffer), src.Height, src.Width, npix)
	}
	out := &camera.Frame{
		ID:        src.ID,
		Timestamp: src.Timestamp,
		Height:    src.Height,
		Width:     src.Width,
		Buffer:    make([]byte, npix),
	}
	copy(out.Buffer, src.Buffer[:npix])
	rows := min(OverlaySize, src.Height)
	cols := min(OverlaySize, src.Width)
	for r := 0; r < rows; r++ {
		overlay := out.Buffer[r*src.Width : r*src.Width+cols]
		for c := range overlay {
			overlay[c] = pixel
		}
	}
	return out, nil
}

// FrameReceived is the camera driver's per-frame callback.
func (fa *FrameAnnotator) FrameReceived(frame *camera.Frame) {
	if err := fa.Annotate(frame); err != nil {
		fa.nerrors.Add(1)
		ProblemLogger.Printf("FrameAnnotator: %v", err)
	}
}

// Annotate reads the telemetry once, stamps it into a copy of frame, and hands
// the copy to the sink.
func (fa *FrameAnnotator) Annotate(frame *camera.Frame) error {
	telemetry := fa.state.Value()
	annotated, err := AnnotateFrame(frame, EncodeLaserStrength(telemetry))
	if err != nil {
		return err
	}
	fa.nframes.Add(1)
	if fa.sink == nil {
		return nil
	}
	return fa.sink.WriteFrame(annotated, telemetry)
}

// Counts returns how many frames were annotated and how many failed.
func (fa *FrameAnnotator) Counts() (annotated, failed uint64) {
	return fa.nframes.Load(), fa.nerrors.Load()
}
