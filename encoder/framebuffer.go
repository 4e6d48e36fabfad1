package encoder

import "fmt"

// FrameSink receives one frame of samples. The slice is owned by the
// FrameBuffer and is only valid for the duration of the call.
type FrameSink func(frame []float32) error

// FrameBuffer accumulates variably sized sample blocks into fixed size codec
// frames. It is not safe for concurrent use; the recorder hands it either to
// the capture sink or to the control path, never both at once.
type FrameBuffer struct {
	buf     []float32
	pos     int
	sink    FrameSink
	pushed  int64
	flushed int64
}

// NewFrameBuffer creates a buffer that emits frames of exactly capacity
// samples to sink.
func NewFrameBuffer(capacity int, sink FrameSink) (*FrameBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("frame buffer capacity must be positive, got %d", capacity)
	}
	if sink == nil {
		return nil, fmt.Errorf("frame buffer needs a sink")
	}
	return &FrameBuffer{
		buf:  make([]float32, capacity),
		sink: sink,
	}, nil
}

// Push appends samples, emitting every frame that fills up along the way.
// Input blocks may be larger or smaller than the frame size.
func (f *FrameBuffer) Push(samples []float32) error {
	for len(samples) > 0 {
		n := copy(f.buf[f.pos:], samples)
		f.pos += n
		f.pushed += int64(n)
		samples = samples[n:]

		if f.pos == len(f.buf) {
			if err := f.emit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushPartial emits whatever is buffered as a final short frame. Nothing is
// emitted when the buffer is empty.
func (f *FrameBuffer) FlushPartial() error {
	if f.pos == 0 {
		return nil
	}
	return f.emit()
}

func (f *FrameBuffer) emit() error {
	n := f.pos
	// reset before calling out so a failing sink does not re-emit the frame
	f.pos = 0
	f.flushed += int64(n)
	if err := f.sink(f.buf[:n]); err != nil {
		return fmt.Errorf("emit frame of %d samples: %w", n, err)
	}
	return nil
}

// Capacity returns the frame size.
func (f *FrameBuffer) Capacity() int { return len(f.buf) }

// Buffered returns the number of samples waiting for the next frame.
func (f *FrameBuffer) Buffered() int { return f.pos }

// Pushed returns the total number of samples ever pushed.
func (f *FrameBuffer) Pushed() int64 { return f.pushed }

// Flushed returns the total number of samples emitted as full or partial frames.
func (f *FrameBuffer) Flushed() int64 { return f.flushed }
