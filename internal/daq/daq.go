// Package daq describes the analog output and analog input tasks that camstim
// needs from a multifunction data-acquisition card, in the shape of the
// NI-DAQmx task model: a task owns one or more physical channels, may be paced
// by a hardware sample clock, and is started, written or read, then closed.
//
// Real hardware drivers implement Device. NoHardware is a drop-in replacement
// that needs no card, for tests and for dry runs of an experiment.
package daq

import (
	"errors"
	"fmt"
)

// SampleMode tells a clocked task whether to stop after a fixed number of samples.
type SampleMode int

// Names for the possible values of SampleMode
const (
	FiniteSamples SampleMode = iota
	ContinuousSamples
)

// TerminalConfig is the input terminal configuration of an AI channel.
type TerminalConfig int

// Names for the possible values of TerminalConfig
const (
	TerminalDefault TerminalConfig = iota
	TerminalRSE
	TerminalNRSE
	TerminalDifferential
)

func (tc TerminalConfig) String() string {
	switch tc {
	case TerminalRSE:
		return "RSE"
	case TerminalNRSE:
		return "NRSE"
	case TerminalDifferential:
		return "Differential"
	}
	return "Default"
}

// Errors returned by tasks. Hardware drivers should wrap these so callers can
// test with errors.Is.
var (
	ErrClosed      = errors.New("daq: task is closed")
	ErrNotStarted  = errors.New("daq: task is not started")
	ErrStarted     = errors.New("daq: task is already started")
	ErrNoChannel   = errors.New("daq: task has no channel")
	ErrChannelBusy = errors.New("daq: physical channel is reserved by another task")
	ErrBufferFull  = errors.New("daq: output buffer is full")
	ErrRange       = errors.New("daq: value outside channel range")
	ErrNotClocked  = errors.New("daq: task has no sample clock")
	ErrReadTimeout = errors.New("daq: timed out waiting for samples")
	ErrUnknownChan = errors.New("daq: unknown physical channel")
)

// Device is one data-acquisition card.
type Device interface {
	Name() string
	NewAOTask(name string) (AOTask, error)
	NewAITask(name string) (AITask, error)
}

// AOTask is an analog output task with a single voltage channel.
type AOTask interface {
	CreateVoltageChannel(physical string, min, max float64) error
	ConfigureSampleClock(rate int, mode SampleMode) error
	SetRegeneration(allow bool) error
	WriteMultiSample(autoStart bool, samples []float64) error
	WriteSingleSample(autoStart bool, value float64) error
	Start() error
	// SamplesGenerated is the number of samples the sample clock has pushed
	// out of the buffer since Start.
	SamplesGenerated() (int64, error)
	Close() error
}

// AITask is an analog input task with a single voltage channel.
type AITask interface {
	CreateVoltageChannel(physical, name string, term TerminalConfig, min, max float64) error
	ConfigureSampleClock(rate int, mode SampleMode) error
	Start() error
	// AvailableSamples is the number of acquired samples not yet read.
	AvailableSamples() (int, error)
	ReadMultiSample(n int) ([]float64, error)
	Close() error
}

// ChannelRange is the voltage range of one channel.
type ChannelRange struct {
	Min, Max float64
}

// Contains reports whether v lies within the range, inclusive.
func (r ChannelRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r ChannelRange) String() string {
	return fmt.Sprintf("[%g, %g] V", r.Min, r.Max)
}
