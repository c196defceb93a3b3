package camstim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usnistgov/camstim/internal/daq"
)

// TaskState is used to indicate the active/inactive/transition state of the laser tasks
type TaskState int

// Names for the possible values of TaskState
const (
	Inactive TaskState = iota // Tasks not running
	Starting                  // Tasks are bringing up their hardware
	Active                    // Both tasks have started their hardware
	Stopping                  // Tasks have been told to stop
)

func (s TaskState) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return "Inactive"
}

// LaserTasks runs the waveform writer and the telemetry reader as two
// goroutines, and stops both exactly once. Stop is safe to call from any
// goroutine, any number of times, including before Start.
type LaserTasks struct {
	writer *WaveformScheduler
	reader *TelemetryReader

	state     TaskState
	stateLock sync.Mutex // guards state, abort channels, and errs
	abortW    chan struct{}
	abortR    chan struct{}
	runDone   sync.WaitGroup
	done      chan struct{} // closed when both goroutines have returned
	errs      []error
}

// NewLaserTasks builds the writer and reader for protocol on device. AO and AI
// are the physical channel names, e.g. "Dev2/ao2" and "Dev2/ai16".
func NewLaserTasks(protocol *StimulusProtocol, device daq.Device, ao, ai string,
	state *TelemetryState, updates chan<- ClientUpdate) *LaserTasks {
	writer := NewWaveformScheduler(protocol, device, ao)
	writer.updates = updates
	reader := NewTelemetryReader(device, ai, protocol.SampleRate(), state)
	reader.updates = updates
	return &LaserTasks{writer: writer, reader: reader}
}

// setClientUpdates routes both goroutines' reports to updates. Call it before Start.
func (lt *LaserTasks) setClientUpdates(updates chan<- ClientUpdate) {
	lt.writer.updates = updates
	lt.reader.updates = updates
}

// State returns the present TaskState.
func (lt *LaserTasks) State() TaskState {
	lt.stateLock.Lock()
	defer lt.stateLock.Unlock()
	return lt.state
}

// Start launches both goroutines and returns once both have started their
// hardware. If either fails to start, everything is stopped again and the
// error is returned.
func (lt *LaserTasks) Start() error {
	lt.stateLock.Lock()
	if lt.state != Inactive {
		lt.stateLock.Unlock()
		return fmt.Errorf("laser tasks are %v, cannot start", lt.state)
	}
	lt.state = Starting
	lt.abortW = make(chan struct{})
	lt.abortR = make(chan struct{})
	lt.done = make(chan struct{})
	lt.errs = nil
	lt.stateLock.Unlock()

	writeStarted := make(chan error, 1)
	readStarted := make(chan error, 1)
	lt.runDone.Add(2)
	go lt.runWorker("writer", lt.writer.run, lt.abortW, writeStarted)
	go lt.runWorker("reader", lt.reader.run, lt.abortR, readStarted)
	go func(done chan struct{}) {
		lt.runDone.Wait()
		close(done)
	}(lt.done)

	errW := <-writeStarted
	errR := <-readStarted
	if err := errors.Join(errW, errR); err != nil {
		lt.Stop()
		return err
	}

	lt.stateLock.Lock()
	defer lt.stateLock.Unlock()
	if lt.state != Starting {
		return fmt.Errorf("laser tasks were stopped while starting")
	}
	lt.state = Active
	UpdateLogger.Println("LaserTasks: writer and reader started")
	return nil
}

// runWorker runs one task loop and records its error. A loop that returns
// before reporting that its hardware started reports the error instead.
func (lt *LaserTasks) runWorker(name string, run func(<-chan struct{}, chan<- error) error,
	abort <-chan struct{}, started chan error) {
	defer lt.runDone.Done()
	err := run(abort, started)
	if err != nil {
		err = fmt.Errorf("laser %s: %w", name, err)
		ProblemLogger.Println(err)
		lt.stateLock.Lock()
		lt.errs = append(lt.errs, err)
		lt.stateLock.Unlock()
	}
	select {
	case started <- err:
	default:
	}
}

// Stop signals both goroutines, waits for them to return, and returns any
// errors they hit. The final 0 V write has happened when Stop returns.
func (lt *LaserTasks) Stop() error {
	lt.stateLock.Lock()
	switch lt.state {
	case Inactive:
		if lt.done == nil {
			lt.stateLock.Unlock()
			return nil
		}
	case Starting, Active:
		lt.state = Stopping
		closeIfOpen(lt.abortW)
		closeIfOpen(lt.abortR)
	case Stopping:
	}
	done := lt.done
	lt.stateLock.Unlock()

	<-done

	lt.stateLock.Lock()
	defer lt.stateLock.Unlock()
	if lt.state == Stopping {
		lt.state = Inactive
		UpdateLogger.Println("LaserTasks: writer and reader stopped")
	}
	return errors.Join(lt.errs...)
}

// Done is closed once both goroutines have returned, whether through Stop,
// protocol completion of the writer and failure of the reader, or errors.
func (lt *LaserTasks) Done() <-chan struct{} {
	lt.stateLock.Lock()
	defer lt.stateLock.Unlock()
	if lt.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return lt.done
}

// Err returns the errors recorded so far by either goroutine.
func (lt *LaserTasks) Err() error {
	lt.stateLock.Lock()
	defer lt.stateLock.Unlock()
	return errors.Join(lt.errs...)
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
