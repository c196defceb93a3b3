package camstim

import (
	"fmt"
	"time"

	"github.com/usnistgov/camstim/internal/daq"
	"gonum.org/v1/gonum/stat"
)

// Input range and batch size of the laser current-monitor channel.
const (
	aiMinVolts   = -10.0
	aiMaxVolts   = 10.0
	minReadBatch = 10
)

// TelemetryReader digitizes the laser driver's current monitor and keeps the
// smoothed value in a TelemetryState.
type TelemetryReader struct {
	device       daq.Device
	physical     string
	sampleRate   int
	state        *TelemetryState
	pollInterval time.Duration
	updates      chan<- ClientUpdate
}

// NewTelemetryReader creates a reader of the named physical input (e.g. "Dev2/ai16").
func NewTelemetryReader(device daq.Device, physical string, sampleRate int, state *TelemetryState) *TelemetryReader {
	return &TelemetryReader{
		device:       device,
		physical:     physical,
		sampleRate:   sampleRate,
		state:        state,
		pollInterval: 10 * time.Millisecond,
	}
}

// TelemetryMessage summarizes one batch of monitor samples.
type TelemetryMessage struct {
	Smoothed  float64
	Encoded   byte
	BatchSize int
	Mean      float64
	StdDev    float64
	Total     int64
}

// run owns the AI task. It reports on started once acquisition is running, then
// drains the input until abort is closed.
func (tr *TelemetryReader) run(abort <-chan struct{}, started chan<- error) error {
	task, err := tr.device.NewAITask("LaserRead")
	if err != nil {
		return fmt.Errorf("creating laser read task: %w", err)
	}
	defer task.Close()

	if err := task.CreateVoltageChannel(tr.physical, "Laser", daq.TerminalDifferential, aiMinVolts, aiMaxVolts); err != nil {
		return fmt.Errorf("creating AI channel %s: %w", tr.physical, err)
	}
	if err := task.ConfigureSampleClock(tr.sampleRate, daq.ContinuousSamples); err != nil {
		return fmt.Errorf("configuring AI sample clock: %w", err)
	}
	if err := task.Start(); err != nil {
		return fmt.Errorf("starting AI task: %w", err)
	}
	started <- nil

	var total int64
	for {
		select {
		case <-abort:
			return nil
		case <-time.After(tr.pollInterval):
		}
		nsamples, err := task.AvailableSamples()
		if err != nil {
			return fmt.Errorf("polling AI: %w", err)
		}
		if nsamples < minReadBatch {
			continue
		}
		data, err := task.ReadMultiSample(nsamples)
		if err != nil {
			return fmt.Errorf("reading %d AI samples: %w", nsamples, err)
		}
		smoothed := tr.state.applyBatch(data)
		total += int64(len(data))
		tr.report(smoothed, data, total)
	}
}

func (tr *TelemetryReader) report(smoothed float64, data []float64, total int64) {
	if tr.updates == nil {
		return
	}
	mean, std := stat.MeanStdDev(data, nil)
	tr.updates <- ClientUpdate{"TELEMETRY", TelemetryMessage{
		Smoothed: smoothed, Encoded: EncodeLaserStrength(smoothed),
		BatchSize: len(data), Mean: mean, StdDev: std, Total: total,
	}}
}
