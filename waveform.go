package camstim

import (
	"fmt"
	"time"

	"github.com/usnistgov/camstim/internal/daq"
)

// Output range of the laser driver's control input.
const (
	aoMinVolts = 0.0
	aoMaxVolts = 10.0
)

// WaveformScheduler streams a StimulusProtocol to the laser driver's analog
// control input on the card's sample clock, and always leaves the output at 0 V
// when it finishes.
type WaveformScheduler struct {
	protocol     *StimulusProtocol
	device       daq.Device
	physical     string
	pollInterval time.Duration
	updates      chan<- ClientUpdate
}

// NewWaveformScheduler creates a scheduler that will drive the named physical
// output channel (e.g. "Dev2/ao2") of device.
func NewWaveformScheduler(protocol *StimulusProtocol, device daq.Device, physical string) *WaveformScheduler {
	return &WaveformScheduler{
		protocol:     protocol,
		device:       device,
		physical:     physical,
		pollInterval: 100 * time.Millisecond,
	}
}

// LaserState is the writer's progress report.
type LaserState struct {
	SamplesWritten   int64
	SamplesGenerated int64
	TotalSamples     int64
	Cycle            int64
	PulseOn          bool
}

// run owns the clocked AO task for the life of one experiment. It reports on
// started exactly once that the task is running, then tops up the device buffer
// until abort is closed or the protocol is exhausted. Whatever the exit path,
// the task is released and a final 0 V is written.
func (ws *WaveformScheduler) run(abort <-chan struct{}, started chan<- error) (err error) {
	defer func() {
		if rerr := ws.reset(); rerr != nil {
			ProblemLogger.Printf("WaveformScheduler: could not zero %s: %v", ws.physical, rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	task, err := ws.device.NewAOTask("LaserWrite")
	if err != nil {
		return fmt.Errorf("creating laser write task: %w", err)
	}
	defer task.Close()

	rate := ws.protocol.SampleRate()
	if err := task.CreateVoltageChannel(ws.physical, aoMinVolts, aoMaxVolts); err != nil {
		return fmt.Errorf("creating AO channel %s: %w", ws.physical, err)
	}
	if err := task.ConfigureSampleClock(rate, daq.ContinuousSamples); err != nil {
		return fmt.Errorf("configuring AO sample clock: %w", err)
	}
	if err := task.SetRegeneration(false); err != nil {
		return fmt.Errorf("disabling AO regeneration: %w", err)
	}

	// Preload one full period so the buffer cannot underrun as the clock starts.
	firstSamples, exhausted := ws.protocol.Generate(0, rate)
	if err := task.WriteMultiSample(false, firstSamples); err != nil {
		return fmt.Errorf("preloading AO buffer: %w", err)
	}
	if err := task.Start(); err != nil {
		return fmt.Errorf("starting AO task: %w", err)
	}
	started <- nil
	cursor := int64(rate)

	for !exhausted {
		select {
		case <-abort:
			return nil
		case <-time.After(ws.pollInterval):
		}
		generated, err := task.SamplesGenerated()
		if err != nil {
			return fmt.Errorf("reading AO position: %w", err)
		}

		// Keep exactly one period queued ahead of the clock.
		chunk := generated + int64(rate) - cursor
		if chunk <= 0 {
			continue
		}
		var samples []float64
		samples, exhausted = ws.protocol.Generate(cursor, int(chunk))
		if err := task.WriteMultiSample(false, samples); err != nil {
			return fmt.Errorf("writing AO samples %d-%d: %w", cursor, cursor+chunk, err)
		}
		cursor += chunk
		ws.report(cursor, generated)
	}

	// Let the clock play out the samples already queued.
	end := min(cursor, ws.protocol.TotalSamples())
	for {
		generated, err := task.SamplesGenerated()
		if err != nil {
			return fmt.Errorf("reading AO position: %w", err)
		}
		if generated >= end {
			UpdateLogger.Printf("WaveformScheduler: protocol complete after %d samples", generated)
			return nil
		}
		select {
		case <-abort:
			return nil
		case <-time.After(ws.pollInterval):
		}
	}
}

func (ws *WaveformScheduler) report(written, generated int64) {
	if ws.updates == nil {
		return
	}
	state := LaserState{SamplesWritten: written, SamplesGenerated: generated,
		TotalSamples: ws.protocol.TotalSamples()}
	if cl := ws.protocol.CycleLength(); cl > 0 {
		state.Cycle = generated / cl
		phase := generated % cl
		state.PulseOn = phase > ws.protocol.PeriSamples() &&
			phase < ws.protocol.PeriSamples()+ws.protocol.PulseSamples() &&
			state.Cycle < int64(ws.protocol.NStim())
	}
	ws.updates <- ClientUpdate{"LASERSTATE", state}
}

// reset drives the output to 0 V with an unclocked task.
func (ws *WaveformScheduler) reset() error {
	task, err := ws.device.NewAOTask("LaserReset")
	if err != nil {
		return err
	}
	defer task.Close()
	if err := task.CreateVoltageChannel(ws.physical, aoMinVolts, aoMaxVolts); err != nil {
		return err
	}
	return task.WriteSingleSample(true, 0)
}
