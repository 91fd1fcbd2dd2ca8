package derpnet

import (
	"context"
	"sync"
)

// maxBufferedSend is the number of queued but unwritten bytes below which Send
// returns. Callers pace their sends by it.
const maxBufferedSend = 256 * 1024

// outbox holds frames waiting to be written to the relay. Its pending count
// includes the frame being written, so it reflects all bytes not yet handed
// to the transport.
type outbox struct {
	mu      sync.Mutex
	cond    *sync.Cond // Signaled for the writer when frames are added or on close.
	frames  [][]byte
	pending int
	closed  bool

	// drained is closed and replaced whenever pending decreases, waking
	// waiters without them having to poll.
	drained chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{drained: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push queues frame for writing.
func (o *outbox) push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrConnClosed
	}
	o.frames = append(o.frames, frame)
	o.pending += len(frame)
	o.cond.Signal()
	return nil
}

// pop blocks until a frame is available and returns it, or returns false
// once the outbox is closed. The caller must call done after writing it.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return frame, true
}

// done marks n bytes as written.
func (o *outbox) done(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending -= n
	close(o.drained)
	o.drained = make(chan struct{})
}

// buffered returns the number of bytes queued or being written.
func (o *outbox) buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// wait blocks until fewer than limit bytes are pending. Waiters only read
// the counter, any number of them can wait at the same time.
func (o *outbox) wait(ctx context.Context, limit int) error {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrConnClosed
		}
		if o.pending < limit {
			o.mu.Unlock()
			return nil
		}
		drained := o.drained
		o.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close drops all queued frames and wakes the writer and all waiters.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.frames = nil
	o.pending = 0
	o.cond.Broadcast()
	close(o.drained)
}
