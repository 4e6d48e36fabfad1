package audio

import (
	"context"
	"sync"
)

// Wiring holds the connection between a capture stream and its sink. It is
// embedded by every stream implementation. Delivery and (dis)connection are
// serialized, which is what lets the recorder treat its buffers as owned by
// exactly one side at a time.
type Wiring struct {
	mu    sync.Mutex
	sink  Sink
	ready chan struct{} // closed while a sink is connected
}

func (w *Wiring) readyLocked() chan struct{} {
	if w.ready == nil {
		w.ready = make(chan struct{})
	}
	return w.ready
}

// Connect routes subsequent blocks to sink.
func (w *Wiring) Connect(sink Sink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
	ready := w.readyLocked()
	select {
	case <-ready:
	default:
		close(ready)
	}
}

// Disconnect stops delivery. It waits for an in-flight block to finish.
func (w *Wiring) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = nil
	select {
	case <-w.readyLocked():
		w.ready = make(chan struct{})
	default:
	}
}

// Connected reports whether a sink is attached.
func (w *Wiring) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink != nil
}

// Deliver hands block to the sink if one is connected and reports whether it
// did. Live sources use this: audio arriving while disconnected is dropped.
func (w *Wiring) Deliver(block []float32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sink == nil {
		return false
	}
	w.sink(block)
	return true
}

// DeliverWait blocks until a sink is connected, then delivers. File sources
// use this so no data is lost before the first Connect or during a pause.
func (w *Wiring) DeliverWait(ctx context.Context, block []float32) error {
	for {
		w.mu.Lock()
		if w.sink != nil {
			w.sink(block)
			w.mu.Unlock()
			return nil
		}
		ready := w.readyLocked()
		w.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
