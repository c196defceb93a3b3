package camstim

import (
	"math"
	"sync"
)

// SmoothingAlpha is the weight of each new monitor sample in the exponential
// smoother: estimate = (1-SmoothingAlpha)*estimate + SmoothingAlpha*sample.
const SmoothingAlpha = 0.1

// TelemetryState is the smoothed laser current-monitor voltage. It is the only
// value shared between the telemetry reader (sole writer) and the frame
// annotator (sole reader).
type TelemetryState struct {
	value float64
	sync.Mutex
}

// Value returns the present smoothed estimate.
func (ts *TelemetryState) Value() float64 {
	ts.Lock()
	defer ts.Unlock()
	return ts.value
}

// applyBatch runs the smoother over samples in arrival order, one update per
// sample, holding the lock for the whole batch.
func (ts *TelemetryState) applyBatch(samples []float64) float64 {
	ts.Lock()
	defer ts.Unlock()
	ts.value = Smooth(ts.value, samples)
	return ts.value
}

// Smooth returns the estimate after feeding samples one at a time into the
// exponential smoother.
func Smooth(estimate float64, samples []float64) float64 {
	for _, s := range samples {
		estimate = (1-SmoothingAlpha)*estimate + SmoothingAlpha*s
	}
	return estimate
}

// EncodeLaserStrength maps a monitor voltage onto a pixel value. The monitor is
// inverting, so 0 V -> 0 and -10 V (full current) -> 255, saturating outside.
func EncodeLaserStrength(aiVoltage float64) byte {
	fraction := -aiVoltage / 10
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return byte(math.Round(fraction * 255))
}
