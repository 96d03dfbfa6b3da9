// Package bytestream adapts a producer-pushed supply of byte chunks into a
// blocking, forward-only byte reader. The producer may run on a different
// goroutine than the consumer; the adapter serializes access to its buffer
// so a single consumer sees a consistent sequential view. It is not safe
// for concurrent reads.
package bytestream

import (
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by all operations after Close
var ErrStreamClosed = errors.New("byte stream is closed")

// DefaultHighWater is the default producer backpressure threshold in bytes
const DefaultHighWater = 1 << 20

// Adapter presents chunk-at-a-time production as an io.Reader with Skip and
// Available. The producer pushes chunks via Push and terminates the stream
// with Finish or Fail; Push blocks while the buffered byte count is at the
// high-water mark, decoupling transport pacing from consumer pacing.
type Adapter struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	chunks   [][]byte
	off      int // cursor into chunks[0]
	buffered int // total unread bytes across chunks

	highWater int
	done      bool  // producer finished
	srcErr    error // producer failure, surfaced once drained
	closed    bool  // consumer closed

	cancel func() // signals the producer to stop
}

// Option configures an Adapter
type Option func(*Adapter)

// WithHighWater sets the backpressure threshold in buffered bytes
func WithHighWater(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.highWater = n
		}
	}
}

// WithCancel registers a function invoked once on Close to release the
// underlying chunk source
func WithCancel(cancel func()) Option {
	return func(a *Adapter) {
		a.cancel = cancel
	}
}

// New creates an empty adapter ready to accept chunks
func New(opts ...Option) *Adapter {
	a := &Adapter{highWater: DefaultHighWater}
	for _, opt := range opts {
		opt(a)
	}
	a.notEmpty = sync.NewCond(&a.mu)
	a.notFull = sync.NewCond(&a.mu)
	return a
}

// FromReader creates an adapter fed by a goroutine that drains r in fixed
// size chunks. Closing the adapter closes r, which unblocks the producer
// and releases the underlying connection.
func FromReader(r io.ReadCloser, opts ...Option) *Adapter {
	opts = append(opts, WithCancel(func() { r.Close() }))
	a := New(opts...)

	go func() {
		for {
			buf := make([]byte, 32*1024)
			n, err := r.Read(buf)
			if n > 0 {
				if pushErr := a.Push(buf[:n]); pushErr != nil {
					// Consumer closed; the cancel hook already closed r
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					a.Finish()
				} else {
					a.Fail(err)
				}
				return
			}
		}
	}()

	return a
}

// Push appends a chunk to the buffer, taking ownership of it. A zero-length
// chunk is silently skipped. Push blocks while the buffer is at the
// high-water mark and fails with ErrStreamClosed once the consumer has
// closed the stream.
func (a *Adapter) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for a.buffered >= a.highWater && !a.closed && !a.done {
		a.notFull.Wait()
	}
	if a.closed || a.done {
		return ErrStreamClosed
	}

	a.chunks = append(a.chunks, chunk)
	a.buffered += len(chunk)
	a.notEmpty.Broadcast()
	return nil
}

// Finish marks the end of the chunk supply. Buffered bytes remain readable;
// reads past them return io.EOF.
func (a *Adapter) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
	a.notEmpty.Broadcast()
	a.notFull.Broadcast()
}

// Fail terminates the chunk supply with an error. Buffered bytes remain
// readable; reads past them return err instead of io.EOF.
func (a *Adapter) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
	if a.srcErr == nil {
		a.srcErr = err
	}
	a.notEmpty.Broadcast()
	a.notFull.Broadcast()
}

// Read blocks until at least one byte is available or the supply is
// exhausted, then copies across as many buffered chunks as needed to fill p.
// It never blocks once any byte is available and never over-reads.
func (a *Adapter) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for a.buffered == 0 && !a.done {
		a.notEmpty.Wait()
		if a.closed {
			return 0, ErrStreamClosed
		}
	}

	if a.buffered == 0 {
		if a.srcErr != nil {
			return 0, a.srcErr
		}
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && a.buffered > 0 {
		head := a.chunks[0]
		copied := copy(p[n:], head[a.off:])
		n += copied
		a.advance(copied)
	}
	a.notFull.Broadcast()
	return n, nil
}

// Skip advances the cursor n bytes without copying, crossing chunk
// boundaries as needed. If n exceeds the remaining stream it skips to the
// end and returns the shorter actual count.
func (a *Adapter) Skip(n int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrStreamClosed
	}

	var skipped int64
	for skipped < n {
		for a.buffered == 0 && !a.done {
			a.notEmpty.Wait()
			if a.closed {
				return skipped, ErrStreamClosed
			}
		}
		if a.buffered == 0 {
			break
		}

		head := int64(len(a.chunks[0]) - a.off)
		step := n - skipped
		if step > head {
			step = head
		}
		a.advance(int(step))
		skipped += step
	}
	a.notFull.Broadcast()
	return skipped, nil
}

// Available returns the byte count immediately readable without waiting for
// the producer, i.e. the unread remainder of the current chunk.
func (a *Adapter) Available() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrStreamClosed
	}
	if len(a.chunks) == 0 {
		return 0, nil
	}
	return len(a.chunks[0]) - a.off, nil
}

// Close releases the chunk source and discards buffered data. Subsequent
// Read, Skip, and Available calls fail with ErrStreamClosed. Close is
// idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.chunks = nil
	a.buffered = 0
	cancel := a.cancel
	a.notEmpty.Broadcast()
	a.notFull.Broadcast()
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// advance moves the cursor forward within the head chunk, dropping the
// chunk once fully consumed. Caller holds a.mu.
func (a *Adapter) advance(n int) {
	a.off += n
	a.buffered -= n
	if a.off == len(a.chunks[0]) {
		a.chunks = a.chunks[1:]
		a.off = 0
	}
}
