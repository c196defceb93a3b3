package camstim

import (
	"fmt"
	"time"
)

// Laser driver control-voltage calibration: MaxLaserCurrentmA at the control
// input's full scale of MaxControlVolts.
const (
	MaxLaserCurrentmA = 4000.0
	MaxControlVolts   = 10.0
)

// StimulusProtocol holds the parameters of one experiment run: NStim cycles of
// (quiet PrePost seconds, laser on for On seconds, quiet PrePost seconds), all
// generated and read back at SampleRate. A StimulusProtocol is read-only once
// built by NewStimulusProtocol.
type StimulusProtocol struct {
	prePostSeconds uint
	onSeconds      uint
	currentmA      float64
	nStim          uint
	sampleRate     int
}

// NewStimulusProtocol validates and returns a protocol.
func NewStimulusProtocol(prePostSeconds, onSeconds uint, currentmA float64, nStim uint, sampleRate int) (*StimulusProtocol, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate %d Hz must be positive", sampleRate)
	}
	p := &StimulusProtocol{
		prePostSeconds: prePostSeconds,
		onSeconds:      onSeconds,
		currentmA:      currentmA,
		nStim:          nStim,
		sampleRate:     sampleRate,
	}
	if nStim > 0 && p.CycleLength() <= 0 {
		return nil, fmt.Errorf("protocol with %d stimuli has zero-length cycles", nStim)
	}
	return p, nil
}

// PrePostSeconds is the quiet time before and after each pulse.
func (p *StimulusProtocol) PrePostSeconds() uint { return p.prePostSeconds }

// OnSeconds is the length of each pulse.
func (p *StimulusProtocol) OnSeconds() uint { return p.onSeconds }

// CurrentmA is the laser current requested during a pulse.
func (p *StimulusProtocol) CurrentmA() float64 { return p.currentmA }

// NStim is the number of pulses.
func (p *StimulusProtocol) NStim() uint { return p.nStim }

// SampleRate is the AO and AI sample rate in Hz.
func (p *StimulusProtocol) SampleRate() int { return p.sampleRate }

// PeriSamples is the number of samples in each quiet period.
func (p *StimulusProtocol) PeriSamples() int64 {
	return int64(p.prePostSeconds) * int64(p.sampleRate)
}

// PulseSamples is the number of samples in each pulse period.
func (p *StimulusProtocol) PulseSamples() int64 {
	return int64(p.onSeconds) * int64(p.sampleRate)
}

// CycleLength is the number of samples in one pre/pulse/post cycle.
func (p *StimulusProtocol) CycleLength() int64 {
	return 2*p.PeriSamples() + p.PulseSamples()
}

// TotalSamples is the length of the whole protocol in samples.
func (p *StimulusProtocol) TotalSamples() int64 {
	return int64(p.nStim) * p.CycleLength()
}

// TotalSeconds is the run length in whole seconds.
func (p *StimulusProtocol) TotalSeconds() uint {
	return p.nStim * (2*p.prePostSeconds + p.onSeconds)
}

// TotalDuration is the run length.
func (p *StimulusProtocol) TotalDuration() time.Duration {
	return time.Duration(p.TotalSeconds()) * time.Second
}

// PulseVolts is the AO control voltage during a pulse.
func (p *StimulusProtocol) PulseVolts() float64 {
	return LaserCurrentToAoV(p.currentmA)
}

func (p *StimulusProtocol) String() string {
	return fmt.Sprintf("%d x (%d s off, %d s at %.1f mA, %d s off) at %d Hz",
		p.nStim, p.prePostSeconds, p.onSeconds, p.currentmA, p.prePostSeconds, p.sampleRate)
}

// Generate returns the count AO samples starting at sample index startSample.
// Samples are exactly 0 or PulseVolts(); the pulse occupies the phases strictly
// between PeriSamples() and PeriSamples()+PulseSamples() of each cycle. Once a
// sample index falls beyond the last cycle, generation stops: that entry and
// all later ones stay 0 and exhausted is true. The slice always has length count.
func (p *StimulusProtocol) Generate(startSample int64, count int) (samples []float64, exhausted bool) {
	samples = make([]float64, count)
	cycleLength := p.CycleLength()
	if p.nStim == 0 || cycleLength <= 0 {
		return samples, true
	}
	peri := p.PeriSamples()
	pulseEnd := peri + p.PulseSamples()
	volts := p.PulseVolts()
	for i := range samples {
		currSample := startSample + int64(i)
		if currSample/cycleLength >= int64(p.nStim) {
			return samples, true
		}
		phase := currSample % cycleLength
		if phase > peri && phase < pulseEnd {
			samples[i] = volts
		}
	}
	return samples, false
}

// LaserCurrentToAoV converts a laser diode current in mA to the driver's
// analog control voltage, clamped to the 0-10 V the output can produce.
func LaserCurrentToAoV(laserCurrentmA float64) float64 {
	v := laserCurrentmA / MaxLaserCurrentmA * MaxControlVolts
	if v < 0 {
		return 0
	}
	if v > MaxControlVolts {
		return MaxControlVolts
	}
	return v
}
