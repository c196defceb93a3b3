// Package asyncbufio provides a buffered writer whose Write never waits on the
// underlying io.Writer: data pass through a channel to a goroutine that owns
// the bufio.Writer and flushes it periodically.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Write or Flush after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer   // Buffered writer: this does the writing
	datachannel   chan []byte     // Channel to hold data before writing it
	flushNow      chan chan error // Requests to flush; the reply carries any write error
	flushInterval time.Duration   // Interval for flushing the writer periodically
	done          chan struct{}   // Closed when writeLoop returns
	closeLock     sync.RWMutex    // held for reading while sending on datachannel
	closed        bool
	dropped       atomic.Int64 // Writes refused because the channel was full
	err           error        // First error from the underlying writer; owned by writeLoop
}

// NewWriter creates a new Writer instance with room for channelDepth pending
// writes, flushing the underlying writer at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for writing. If the queue is full, nothing is
// written and io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	aw.closeLock.RLock()
	defer aw.closeLock.RUnlock()
	if aw.closed {
		return 0, ErrClosed
	}
	data := append([]byte(nil), p...)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s for writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped counts writes refused because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush writes everything queued so far to the underlying writer and
// returns the first write error seen, if any.
func (aw *Writer) Flush() error {
	reply := make(chan error)
	select {
	case aw.flushNow <- reply:
		return <-reply
	case <-aw.done:
		return ErrClosed
	}
}

// Close flushes remaining data and waits for the writing goroutine to finish.
// It does not close the underlying writer. Closing twice is harmless.
func (aw *Writer) Close() error {
	aw.closeLock.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.datachannel)
	}
	aw.closeLock.Unlock()
	<-aw.done
	return aw.err
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				aw.flush()
				return
			}
			aw.write(data)

		case reply := <-aw.flushNow:
			aw.flush()
			reply <- aw.err

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err != nil && aw.err == nil {
		aw.err = err
	}
}

// flush empties whatever is already queued, then flushes the bufio.Writer.
func (aw *Writer) flush() {
drain:
	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				break drain
			}
			aw.write(data)
		default:
			break drain
		}
	}
	if err := aw.writer.Flush(); err != nil && aw.err == nil {
		aw.err = err
	}
}
