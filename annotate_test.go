package camstim

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/camstim/internal/camera"
)

func patternFrame(id uint64, height, width int) *camera.Frame {
	buf := make([]byte, height*width)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return &camera.Frame{ID: id, Timestamp: time.Now(), Height: height, Width: width, Buffer: buf}
}

func TestAnnotateFrame(t *testing.T) {
	src := patternFrame(3, 100, 80)
	orig := append([]byte(nil), src.Buffer...)
	out, err := AnnotateFrame(src, 200)
	require.NoError(t, err)
	assert.Equal(t, orig, src.Buffer, "source frame must not change")
	assert.Equal(t, src.ID, out.ID)
	assert.Equal(t, src.Timestamp, out.Timestamp)
	require.Len(t, out.Buffer, 100*80)
	for r := 0; r < 100; r++ {
		for c := 0; c < 80; c++ {
			idx := r*80 + c
			want := orig[idx]
			if r < OverlaySize && c < OverlaySize {
				want = 200
			}
			if out.Buffer[idx] != want {
				t.Fatalf("pixel (%d,%d) = %d, want %d", r, c, out.Buffer[idx], want)
			}
		}
	}
}

func TestAnnotateSmallFrame(t *testing.T) {
	src := patternFrame(0, 20, 30)
	out, err := AnnotateFrame(src, 7)
	require.NoError(t, err)
	for i, v := range out.Buffer {
		if v != 7 {
			t.Fatalf("pixel %d = %d; a frame smaller than the overlay should be covered", i, v)
		}
	}

	// The buffer may be longer than the image; only Height*Width bytes count.
	src = patternFrame(1, 2, 2)
	src.Buffer = append(src.Buffer, 99, 99)
	out, err = AnnotateFrame(src, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1, 1, 1}, out.Buffer)

	src.Height = 4
	_, err = AnnotateFrame(src, 1)
	assert.Error(t, err, "a short buffer must be rejected")
	src.Buffer = src.Buffer[:4]
	src.Height = 3
	_, err = AnnotateFrame(src, 1)
	assert.Error(t, err, "a short buffer must be rejected")
}

func TestAnnotateRejectsNegativeGeometry(t *testing.T) {
	for _, dims := range [][2]int{{-1, 4}, {4, -1}, {-2, -3}} {
		src := &camera.Frame{ID: 9, Height: dims[0], Width: dims[1], Buffer: make([]byte, 16)}
		_, err := AnnotateFrame(src, 1)
		assert.Error(t, err, "geometry %dx%d", dims[0], dims[1])
	}

	// Through the camera callback the bad frame is counted, not a panic.
	fa := NewFrameAnnotator(new(TelemetryState), new(recordingSink))
	fa.FrameReceived(&camera.Frame{Height: -3, Width: 5})
	annotated, failed := fa.Counts()
	assert.Zero(t, annotated)
	assert.Equal(t, uint64(1), failed)
}

type recordingSink struct {
	frames    []*camera.Frame
	telemetry []float64
	fail      bool
}

func (rs *recordingSink) WriteFrame(frame *camera.Frame, telemetry float64) error {
	if rs.fail {
		return fmt.Errorf("sink refuses frame %d", frame.ID)
	}
	rs.frames = append(rs.frames, frame)
	rs.telemetry = append(rs.telemetry, telemetry)
	return nil
}

func TestFrameAnnotator(t *testing.T) {
	var state TelemetryState
	sink := new(recordingSink)
	fa := NewFrameAnnotator(&state, sink)

	fa.FrameReceived(patternFrame(0, 60, 60))
	require.Len(t, sink.frames, 1)
	assert.Zero(t, sink.frames[0].Buffer[0], "0 V telemetry encodes as 0")

	full := make([]float64, 200)
	for i := range full {
		full[i] = -10
	}
	state.applyBatch(full)
	before := state.Value()
	fa.FrameReceived(patternFrame(1, 60, 60))
	assert.Equal(t, before, state.Value(), "annotation must not change the telemetry")
	require.Len(t, sink.frames, 2)
	assert.Equal(t, before, sink.telemetry[1])
	assert.Equal(t, EncodeLaserStrength(before), sink.frames[1].Buffer[0])
	assert.Equal(t, EncodeLaserStrength(before), sink.frames[1].Buffer[49*60+49])
	assert.NotEqual(t, EncodeLaserStrength(before), sink.frames[1].Buffer[50*60+50])

	sink.fail = true
	fa.FrameReceived(patternFrame(2, 60, 60))
	annotated, failed := fa.Counts()
	assert.Equal(t, uint64(3), annotated)
	assert.Equal(t, uint64(1), failed)
}
