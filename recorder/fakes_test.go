package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/encoder"
)

// fakeStream delivers blocks synchronously on the caller's goroutine.
type fakeStream struct {
	audio.Wiring
	rate     int
	closed   int
	closeErr error
	done     chan struct{}
}

func (s *fakeStream) SampleRate() int { return s.rate }

func (s *fakeStream) Close() error {
	s.Disconnect()
	s.closed++
	return s.closeErr
}

// feed reports whether the block reached a sink.
func (s *fakeStream) feed(block []float32) bool {
	return s.Deliver(block)
}

type fakeFiniteStream struct {
	*fakeStream
}

func (s fakeFiniteStream) Done() <-chan struct{} { return s.done }

type fakeSource struct {
	rate    int
	openErr error
	finite  bool
	opened  []*fakeStream
	lastOpt audio.OpenOptions
}

func (f *fakeSource) Open(ctx context.Context, opts audio.OpenOptions) (audio.Stream, error) {
	f.lastOpt = opts
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{rate: f.rate, done: make(chan struct{})}
	f.opened = append(f.opened, s)
	if f.finite {
		return fakeFiniteStream{s}, nil
	}
	return s, nil
}

func (f *fakeSource) current() *fakeStream {
	return f.opened[len(f.opened)-1]
}

// fakeCodec turns every sample into one byte, prefixed by a frame marker
// carrying the frame length. Flush appends an end marker when anything was
// encoded since the previous flush.
type fakeCodec struct {
	mu        sync.Mutex
	frameSize int
	frames    [][]float32
	pending   bool
	failAt    int // 1-based frame index that fails, 0 never
	onEncode  func(n int)
	closed    bool
	flushes   int
}

var errCodecBroke = errors.New("codec broke")

func (c *fakeCodec) FrameSize() int { return c.frameSize }

func (c *fakeCodec) EncodeFrame(frame []float32) ([]byte, error) {
	c.mu.Lock()
	n := len(c.frames) + 1
	if c.failAt == n {
		c.mu.Unlock()
		return nil, errCodecBroke
	}
	c.frames = append(c.frames, append([]float32(nil), frame...))
	c.pending = true
	hook := c.onEncode
	c.mu.Unlock()

	out := []byte{0xF0, byte(len(frame) >> 8), byte(len(frame))}
	for _, v := range frame {
		out = append(out, byte(int(v)))
	}
	if hook != nil {
		hook(n)
	}
	return out, nil
}

func (c *fakeCodec) Flush() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	if !c.pending {
		return nil, nil
	}
	c.pending = false
	return []byte{0xFE}, nil
}

func (c *fakeCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// samples returns every sample the codec has seen, in order.
func (c *fakeCodec) samples() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []float32
	for _, f := range c.frames {
		out = append(out, f...)
	}
	return out
}

func (c *fakeCodec) frameLens() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, f := range c.frames {
		out = append(out, len(f))
	}
	return out
}

type codecRecorder struct {
	frameSize int
	failAt    int
	err       error
	created   []*fakeCodec
	rates     []int
	bitRates  []int
}

func (r *codecRecorder) factory(sampleRate, bitRate int) (encoder.Codec, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.rates = append(r.rates, sampleRate)
	r.bitRates = append(r.bitRates, bitRate)
	c := &fakeCodec{frameSize: r.frameSize, failAt: r.failAt}
	r.created = append(r.created, c)
	return c, nil
}

func (r *codecRecorder) last() *fakeCodec {
	return r.created[len(r.created)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((from + i) % 200)
	}
	return out
}
