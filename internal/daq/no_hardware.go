package daq

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoHardware is a drop in replacement for a DAQ card (implements Device) that
// requires no hardware. Each analog output line is emulated as a FIFO drained
// by a sample clock derived from the wall clock. An analog input channel may be
// looped back onto an output line through a gain and additive gaussian noise,
// which is how the laser driver's current monitor behaves on the rig.
type NoHardware struct {
	name      string
	now       func() time.Time
	reserved  map[string]string // physical channel -> task name holding it
	lines     map[string]*aoLine
	loopbacks map[string]loopback
	sync.Mutex
}

// aoLine is the emulated state of one physical analog output.
type aoLine struct {
	rate        int
	clocked     bool
	start       time.Time
	queue       []float64 // written but not yet generated
	generated   int64     // samples pushed out by the clock since start
	output      []float64 // the level at each generated tick
	level       float64   // present output voltage
	instructed  float64   // last value any task asked for
	underflows  int
	history     []float64 // every sample ever written, in write order
	capacity    int
	regenerate  bool
	lastWritten []float64
}

type loopback struct {
	ao    string
	gain  float64
	noise distuv.Normal
}

// NewNoHardware generates and returns a new emulated DAQ card with no loopbacks.
func NewNoHardware(name string) *NoHardware {
	return &NoHardware{
		name:      name,
		now:       time.Now,
		reserved:  make(map[string]string),
		lines:     make(map[string]*aoLine),
		loopbacks: make(map[string]loopback),
	}
}

// SetLoopback makes analog input ai read gain*(output of ao) plus gaussian noise
// of the given standard deviation. A negative gain models an inverting monitor.
func (nh *NoHardware) SetLoopback(ai, ao string, gain, noiseStd float64, seed uint64) {
	nh.Lock()
	defer nh.Unlock()
	lb := loopback{ao: ao, gain: gain}
	lb.noise = distuv.Normal{Mu: 0, Sigma: noiseStd, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	nh.loopbacks[ai] = lb
}

// Name returns the device name, e.g. "Dev2".
func (nh *NoHardware) Name() string {
	return nh.name
}

// NewAOTask returns an unconfigured analog output task.
func (nh *NoHardware) NewAOTask(name string) (AOTask, error) {
	return &noHardwareAO{dev: nh, name: name}, nil
}

// NewAITask returns an unconfigured analog input task.
func (nh *NoHardware) NewAITask(name string) (AITask, error) {
	return &noHardwareAI{dev: nh, name: name}, nil
}

// LastInstructedVoltage is the most recent value any task asked the named
// output to produce (the final entry of the last write).
func (nh *NoHardware) LastInstructedVoltage(physical string) float64 {
	nh.Lock()
	defer nh.Unlock()
	if line, ok := nh.lines[physical]; ok {
		return line.instructed
	}
	return 0
}

// OutputLevel is the voltage the named output is producing right now.
func (nh *NoHardware) OutputLevel(physical string) float64 {
	nh.Lock()
	defer nh.Unlock()
	line, ok := nh.lines[physical]
	if !ok {
		return 0
	}
	nh.advance(line)
	return line.level
}

// WrittenSamples returns a copy of every clocked sample written to the output, in order.
func (nh *NoHardware) WrittenSamples(physical string) []float64 {
	nh.Lock()
	defer nh.Unlock()
	line, ok := nh.lines[physical]
	if !ok {
		return nil
	}
	out := make([]float64, len(line.history))
	copy(out, line.history)
	return out
}

// Underflows counts clock ticks on the output that found an empty buffer.
func (nh *NoHardware) Underflows(physical string) int {
	nh.Lock()
	defer nh.Unlock()
	if line, ok := nh.lines[physical]; ok {
		nh.advance(line)
		return line.underflows
	}
	return 0
}

// Reserved reports whether some task currently holds the physical channel.
func (nh *NoHardware) Reserved(physical string) bool {
	nh.Lock()
	defer nh.Unlock()
	_, ok := nh.reserved[physical]
	return ok
}

// Inspect prints the emulated device state and returns it as a string.
func (nh *NoHardware) Inspect() string {
	nh.Lock()
	defer nh.Unlock()
	summary := make(map[string]any)
	for phys, line := range nh.lines {
		summary[phys] = map[string]any{
			"rate": line.rate, "clocked": line.clocked, "queued": len(line.queue),
			"generated": line.generated, "level": line.level, "underflows": line.underflows,
		}
	}
	summary["reserved"] = nh.reserved
	return spew.Sdump(nh.name, summary)
}

func (nh *NoHardware) reserve(physical, task string) error {
	if !strings.HasPrefix(physical, nh.name+"/") {
		return fmt.Errorf("%w: %q is not on device %s", ErrUnknownChan, physical, nh.name)
	}
	if holder, ok := nh.reserved[physical]; ok {
		return fmt.Errorf("%w: %s held by task %q", ErrChannelBusy, physical, holder)
	}
	nh.reserved[physical] = task
	return nil
}

func (nh *NoHardware) release(physical string) {
	delete(nh.reserved, physical)
}

func (nh *NoHardware) line(physical string) *aoLine {
	line, ok := nh.lines[physical]
	if !ok {
		line = new(aoLine)
		nh.lines[physical] = line
	}
	return line
}

// ticksSince converts elapsed wall time into sample-clock ticks.
func ticksSince(start, now time.Time, rate int) int64 {
	elapsed := now.Sub(start)
	if elapsed < 0 || rate <= 0 {
		return 0
	}
	return int64(elapsed) * int64(rate) / int64(time.Second)
}

// advance moves the output clock of line forward to the present time.
// Caller must hold the device lock.
func (nh *NoHardware) advance(line *aoLine) {
	if !line.clocked {
		return
	}
	ticks := ticksSince(line.start, nh.now(), line.rate)
	for line.generated < ticks {
		if len(line.queue) > 0 {
			line.level = line.queue[0]
			line.queue = line.queue[1:]
		} else if line.regenerate && len(line.lastWritten) > 0 {
			line.level = line.lastWritten[int(line.generated)%len(line.lastWritten)]
		} else {
			line.underflows++
		}
		line.output = append(line.output, line.level)
		line.generated++
	}
}

// levelAt is the level an output line had at wall time t.
// Caller must hold the device lock.
func (line *aoLine) levelAt(t time.Time) float64 {
	if !line.clocked || t.Before(line.start) {
		return line.level
	}
	tick := ticksSince(line.start, t, line.rate)
	if tick < int64(len(line.output)) {
		return line.output[tick]
	}
	return line.level
}

// noHardwareAO emulates an analog output task.
type noHardwareAO struct {
	dev      *NoHardware
	name     string
	physical string
	limits   ChannelRange
	rate     int
	mode     SampleMode
	regen    bool
	started  bool
	closed   bool
	pending  []float64 // written before Start
}

func (ao *noHardwareAO) check() error {
	if ao.closed {
		return ErrClosed
	}
	if ao.physical == "" {
		return ErrNoChannel
	}
	return nil
}

func (ao *noHardwareAO) CreateVoltageChannel(physical string, min, max float64) error {
	if ao.closed {
		return ErrClosed
	}
	if min >= max {
		return fmt.Errorf("%w: min %g >= max %g", ErrRange, min, max)
	}
	ao.dev.Lock()
	defer ao.dev.Unlock()
	if err := ao.dev.reserve(physical, ao.name); err != nil {
		return err
	}
	ao.physical = physical
	ao.limits = ChannelRange{Min: min, Max: max}
	ao.regen = true
	ao.dev.line(physical)
	return nil
}

func (ao *noHardwareAO) ConfigureSampleClock(rate int, mode SampleMode) error {
	if err := ao.check(); err != nil {
		return err
	}
	if rate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrRange, rate)
	}
	if ao.started {
		return ErrStarted
	}
	ao.rate = rate
	ao.mode = mode
	return nil
}

func (ao *noHardwareAO) SetRegeneration(allow bool) error {
	if err := ao.check(); err != nil {
		return err
	}
	ao.regen = allow
	return nil
}

func (ao *noHardwareAO) validate(samples []float64) error {
	for i, v := range samples {
		if !ao.limits.Contains(v) {
			return fmt.Errorf("%w: sample %d = %g outside %v", ErrRange, i, v, ao.limits)
		}
	}
	return nil
}

func (ao *noHardwareAO) WriteMultiSample(autoStart bool, samples []float64) error {
	if err := ao.check(); err != nil {
		return err
	}
	if ao.rate == 0 {
		return ErrNotClocked
	}
	if err := ao.validate(samples); err != nil {
		return err
	}
	if !ao.started {
		ao.pending = append(ao.pending, samples...)
		if autoStart {
			return ao.Start()
		}
		return nil
	}

	ao.dev.Lock()
	defer ao.dev.Unlock()
	line := ao.dev.line(ao.physical)
	ao.dev.advance(line)
	if len(line.queue)+len(samples) > line.capacity {
		return fmt.Errorf("%w: %d queued + %d new > %d", ErrBufferFull,
			len(line.queue), len(samples), line.capacity)
	}
	line.queue = append(line.queue, samples...)
	line.history = append(line.history, samples...)
	if len(samples) > 0 {
		line.instructed = samples[len(samples)-1]
	}
	return nil
}

// WriteSingleSample on a task without a sample clock updates the output at once.
func (ao *noHardwareAO) WriteSingleSample(autoStart bool, value float64) error {
	if err := ao.check(); err != nil {
		return err
	}
	if ao.rate != 0 {
		return ao.WriteMultiSample(autoStart, []float64{value})
	}
	if err := ao.validate([]float64{value}); err != nil {
		return err
	}
	if !ao.started && !autoStart {
		return ErrNotStarted
	}
	ao.started = true
	ao.dev.Lock()
	defer ao.dev.Unlock()
	line := ao.dev.line(ao.physical)
	ao.dev.advance(line)
	line.clocked = false
	line.queue = nil
	line.level = value
	line.instructed = value
	return nil
}

func (ao *noHardwareAO) Start() error {
	if err := ao.check(); err != nil {
		return err
	}
	if ao.started {
		return ErrStarted
	}
	ao.started = true
	if ao.rate == 0 {
		return nil
	}

	ao.dev.Lock()
	defer ao.dev.Unlock()
	line := ao.dev.line(ao.physical)
	line.rate = ao.rate
	line.clocked = true
	line.start = ao.dev.now()
	line.generated = 0
	line.output = line.output[:0]
	line.underflows = 0
	line.regenerate = ao.regen
	line.capacity = 2 * ao.rate
	if len(ao.pending) > line.capacity {
		line.capacity = len(ao.pending)
	}
	line.queue = append(line.queue[:0], ao.pending...)
	line.history = append(line.history, ao.pending...)
	line.lastWritten = append([]float64(nil), ao.pending...)
	if len(ao.pending) > 0 {
		line.instructed = ao.pending[len(ao.pending)-1]
	}
	ao.pending = nil
	return nil
}

func (ao *noHardwareAO) SamplesGenerated() (int64, error) {
	if err := ao.check(); err != nil {
		return 0, err
	}
	if !ao.started {
		return 0, ErrNotStarted
	}
	ao.dev.Lock()
	defer ao.dev.Unlock()
	line := ao.dev.line(ao.physical)
	ao.dev.advance(line)
	return line.generated, nil
}

// Close stops the clock, leaving the output at whatever level it last
// generated, and releases the physical channel.
func (ao *noHardwareAO) Close() error {
	if ao.closed {
		return ErrClosed
	}
	ao.closed = true
	if ao.physical == "" {
		return nil
	}
	ao.dev.Lock()
	defer ao.dev.Unlock()
	if line, ok := ao.dev.lines[ao.physical]; ok && ao.started && ao.rate > 0 {
		ao.dev.advance(line)
		line.clocked = false
		line.queue = nil
	}
	ao.dev.release(ao.physical)
	return nil
}

// noHardwareAI emulates an analog input task.
type noHardwareAI struct {
	dev      *NoHardware
	name     string
	physical string
	label    string
	term     TerminalConfig
	limits   ChannelRange
	rate     int
	mode     SampleMode
	start    time.Time
	read     int64 // samples handed to the caller
	started  bool
	closed   bool
	timeout  time.Duration
}

func (ai *noHardwareAI) check() error {
	if ai.closed {
		return ErrClosed
	}
	if ai.physical == "" {
		return ErrNoChannel
	}
	return nil
}

func (ai *noHardwareAI) CreateVoltageChannel(physical, name string, term TerminalConfig, min, max float64) error {
	if ai.closed {
		return ErrClosed
	}
	if min >= max {
		return fmt.Errorf("%w: min %g >= max %g", ErrRange, min, max)
	}
	ai.dev.Lock()
	defer ai.dev.Unlock()
	if err := ai.dev.reserve(physical, ai.name); err != nil {
		return err
	}
	ai.physical = physical
	ai.label = name
	ai.term = term
	ai.limits = ChannelRange{Min: min, Max: max}
	ai.timeout = 10 * time.Second
	return nil
}

func (ai *noHardwareAI) ConfigureSampleClock(rate int, mode SampleMode) error {
	if err := ai.check(); err != nil {
		return err
	}
	if rate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrRange, rate)
	}
	if ai.started {
		return ErrStarted
	}
	ai.rate = rate
	ai.mode = mode
	return nil
}

func (ai *noHardwareAI) Start() error {
	if err := ai.check(); err != nil {
		return err
	}
	if ai.rate == 0 {
		return ErrNotClocked
	}
	if ai.started {
		return ErrStarted
	}
	ai.dev.Lock()
	ai.start = ai.dev.now()
	ai.dev.Unlock()
	ai.started = true
	return nil
}

func (ai *noHardwareAI) available() int64 {
	return ticksSince(ai.start, ai.dev.now(), ai.rate) - ai.read
}

func (ai *noHardwareAI) AvailableSamples() (int, error) {
	if err := ai.check(); err != nil {
		return 0, err
	}
	if !ai.started {
		return 0, ErrNotStarted
	}
	ai.dev.Lock()
	defer ai.dev.Unlock()
	return int(ai.available()), nil
}

// ReadMultiSample blocks until n samples have been acquired, then returns them.
func (ai *noHardwareAI) ReadMultiSample(n int) ([]float64, error) {
	if err := ai.check(); err != nil {
		return nil, err
	}
	if !ai.started {
		return nil, ErrNotStarted
	}
	deadline := time.Now().Add(ai.timeout)
	for {
		ai.dev.Lock()
		if ai.available() >= int64(n) {
			break
		}
		ai.dev.Unlock()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: wanted %d samples", ErrReadTimeout, n)
		}
		time.Sleep(time.Millisecond)
	}
	defer ai.dev.Unlock()

	lb, looped := ai.dev.loopbacks[ai.physical]
	var line *aoLine
	if looped {
		line = ai.dev.lines[lb.ao]
		if line != nil {
			ai.dev.advance(line)
		}
	}
	samplePeriod := time.Second / time.Duration(ai.rate)
	data := make([]float64, n)
	for i := range data {
		var v float64
		if looped {
			if line != nil {
				t := ai.start.Add(time.Duration(ai.read+int64(i)) * samplePeriod)
				v = lb.gain * line.levelAt(t)
			}
			v += lb.noise.Rand()
		}
		data[i] = min(max(v, ai.limits.Min), ai.limits.Max)
	}
	ai.read += int64(n)
	return data, nil
}

func (ai *noHardwareAI) Close() error {
	if ai.closed {
		return ErrClosed
	}
	ai.closed = true
	if ai.physical == "" {
		return nil
	}
	ai.dev.Lock()
	ai.dev.release(ai.physical)
	ai.dev.Unlock()
	return nil
}
