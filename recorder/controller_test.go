package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/metrics"
	"github.com/richinsley/micrec/options"
)

type harness struct {
	ctrl    *Controller
	source  *fakeSource
	codecs  *codecRecorder
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*options.Options)) *harness {
	t.Helper()
	opts := options.Defaults()
	opts.StartDelayMs = 0
	opts.DeferEncoding = false
	if mutate != nil {
		mutate(&opts)
	}

	h := &harness{
		source:  &fakeSource{rate: 44100},
		codecs:  &codecRecorder{frameSize: 4},
		clock:   newFakeClock(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.ctrl = NewController(opts, h.source, h.codecs.factory,
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
	)
	return h
}

func (h *harness) feed(t *testing.T, block []float32) bool {
	t.Helper()
	return h.source.current().feed(block)
}

func TestStartupGateDropsEarlyBlocks(t *testing.T) {
	h := newHarness(t, func(o *options.Options) { o.StartDelayMs = 300 })
	require.NoError(t, h.ctrl.Start(context.Background()))

	// blocks at t = 0, 100, 200, 300, 400 ms
	var want []float32
	for i := range 5 {
		block := ramp(i*10, 10)
		h.feed(t, block)
		if i >= 3 {
			want = append(want, block...)
		}
		h.clock.Advance(100 * time.Millisecond)
	}

	require.NoError(t, h.ctrl.Stop())
	_, err := h.ctrl.GetResult(context.Background())
	require.NoError(t, err)

	assert.Equal(t, want, h.codecs.last().samples())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.BlocksGated))
	assert.Equal(t, 30.0, testutil.ToFloat64(h.metrics.SamplesGated))
	assert.Equal(t, 20.0, testutil.ToFloat64(h.metrics.SamplesAccepted))
}

func TestPauseResumeIsLossless(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	id := h.ctrl.SessionID()
	require.NotEmpty(t, id)

	a := ramp(0, 7)
	require.True(t, h.feed(t, a))

	require.NoError(t, h.ctrl.Pause())
	assert.Equal(t, StatePaused, h.ctrl.State())
	assert.False(t, h.feed(t, ramp(100, 5)), "no sample is accepted after Pause returns")
	require.NoError(t, h.ctrl.Pause(), "pause while paused is a no-op")

	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, StateRecording, h.ctrl.State())
	assert.Equal(t, id, h.ctrl.SessionID(), "resume keeps the session")
	assert.Len(t, h.source.opened, 1, "resume does not reopen the device")

	b := ramp(7, 9)
	require.True(t, h.feed(t, b))
	require.NoError(t, h.ctrl.Stop())

	_, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, append(append([]float32{}, a...), b...), h.codecs.last().samples())
	assert.Equal(t, []int{4, 4, 4, 4}, h.codecs.last().frameLens())
}

func TestGetResultEmpty(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrEmptyResult, "idle")

	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.Stop())
	_, err = h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Equal(t, StateStopped, h.ctrl.State(), "an empty result is not a failure")
}

func TestStoppedBeforeGateOpensIsEmpty(t *testing.T) {
	h := newHarness(t, func(o *options.Options) { o.StartDelayMs = 300 })
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(0, 100))
	h.clock.Advance(250 * time.Millisecond)
	h.feed(t, ramp(0, 100))
	require.NoError(t, h.ctrl.Stop())

	_, err := h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestGetResultClearsOutput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(0, 6))
	require.NoError(t, h.ctrl.Pause())

	first, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	_, err = h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrEmptyResult)

	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(6, 3))
	require.NoError(t, h.ctrl.Stop())

	second, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0, 3, 6, 7, 8, 0xFE}, second)
}

func record(t *testing.T, deferred bool, blocks [][]float32) ([]byte, *harness) {
	t.Helper()
	h := newHarness(t, func(o *options.Options) {
		o.DeferEncoding = deferred
		o.StartDelayMs = 50
	})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	for i, b := range blocks {
		h.feed(t, b)
		h.clock.Advance(20 * time.Millisecond)
		if i == 4 {
			require.NoError(t, h.ctrl.Pause())
			require.NoError(t, h.ctrl.Start(ctx))
		}
	}
	require.NoError(t, h.ctrl.Stop())

	if deferred {
		assert.Empty(t, h.codecs.last().frameLens(), "nothing is encoded during deferred capture")
		assert.NotZero(t, h.ctrl.session.store.Len())
	}
	data, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	return data, h
}

func TestDeferredMatchesStreaming(t *testing.T) {
	var blocks [][]float32
	n := 0
	for _, size := range []int{3, 1, 8, 5, 4, 13, 2, 7, 9, 1} {
		blocks = append(blocks, ramp(n, size))
		n += size
	}

	streamed, hs := record(t, false, blocks)
	deferred, hd := record(t, true, blocks)

	assert.Equal(t, streamed, deferred)
	assert.Equal(t, hs.codecs.last().frameLens(), hd.codecs.last().frameLens())
	assert.Zero(t, hd.ctrl.session.store.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(hd.metrics.BlocksGated))
	assert.Equal(t, 7.0, testutil.ToFloat64(hd.metrics.ChunksDeferred))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Stop(), "stop while idle")
	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(0, 4))
	require.NoError(t, h.ctrl.Stop())
	require.NoError(t, h.ctrl.Stop())
	assert.Equal(t, StateStopped, h.ctrl.State())
	assert.Equal(t, 1, h.source.current().closed)

	data, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, data, "stop keeps the recorded audio")
}

func TestStopFromPaused(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.feed(t, ramp(0, 2))
	require.NoError(t, h.ctrl.Pause())
	require.NoError(t, h.ctrl.Stop())
	assert.Equal(t, StateStopped, h.ctrl.State())
}

func TestFrameBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		samples int
		want    []int
	}{
		{"exactly one frame", 1152, []int{1152}},
		{"single sample", 1, []int{1}},
		{"frame and a bit", 1153, []int{1152, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.codecs.frameSize = 1152
			ctx := context.Background()

			require.NoError(t, h.ctrl.Start(ctx))
			h.feed(t, ramp(0, tt.samples))
			require.NoError(t, h.ctrl.Stop())

			data, err := h.ctrl.GetResult(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
			assert.Equal(t, tt.want, h.codecs.last().frameLens())
		})
	}
}

func TestDeferredReplayCancelAndResume(t *testing.T) {
	h := newHarness(t, func(o *options.Options) { o.DeferEncoding = true })
	require.NoError(t, h.ctrl.Start(context.Background()))
	for i := range 5 {
		h.feed(t, ramp(i*4, 4))
	}
	require.NoError(t, h.ctrl.Stop())

	ctx, cancel := context.WithCancel(context.Background())
	h.codecs.last().onEncode = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	_, err := h.ctrl.GetResult(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, h.ctrl.State())
	assert.Equal(t, 4, h.ctrl.session.store.Len())

	data, err := h.ctrl.GetResult(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, ramp(0, 20), h.codecs.last().samples())
}

func TestStartFailures(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.openErr = audio.ErrPermissionDenied

		err := h.ctrl.Start(context.Background())
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, StateIdle, h.ctrl.State())
		assert.ErrorIs(t, h.ctrl.Err(), ErrPermissionDenied)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues(metrics.KindPermission)))
	})

	t.Run("device unavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.openErr = audio.ErrDeviceUnavailable
		assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrDeviceUnavailable)
		assert.Equal(t, StateIdle, h.ctrl.State())
	})

	t.Run("codec init", func(t *testing.T) {
		h := newHarness(t, nil)
		h.codecs.err = errors.New("no lame")

		err := h.ctrl.Start(context.Background())
		assert.ErrorIs(t, err, ErrCodecInit)
		assert.Equal(t, StateIdle, h.ctrl.State())
		assert.Equal(t, 1, h.source.current().closed, "stream is released")
		assert.Empty(t, h.ctrl.SessionID())
	})

	t.Run("recovers", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.openErr = audio.ErrDeviceUnavailable
		require.Error(t, h.ctrl.Start(context.Background()))

		h.source.openErr = nil
		require.NoError(t, h.ctrl.Start(context.Background()))
		assert.Equal(t, StateRecording, h.ctrl.State())
	})
}

func TestStartPassesOptions(t *testing.T) {
	h := newHarness(t, func(o *options.Options) {
		o.Device = "USB"
		o.SampleRate = 48000
		o.BitRate = 96
	})
	h.source.rate = 48000
	require.NoError(t, h.ctrl.Start(context.Background()))

	assert.Equal(t, audio.OpenOptions{Device: "USB", SampleRate: 48000}, h.source.lastOpt)
	assert.Equal(t, []int{48000}, h.codecs.rates)
	assert.Equal(t, []int{96}, h.codecs.bitRates)
}

func TestEncodeFaultSurfacesOnStop(t *testing.T) {
	h := newHarness(t, nil)
	h.codecs.failAt = 2
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.feed(t, ramp(0, 12))
	h.feed(t, ramp(0, 4)) // ignored after the fault

	err := h.ctrl.Stop()
	assert.ErrorIs(t, err, errCodecBroke)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Err(), errCodecBroke)
	assert.True(t, h.codecs.last().closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues(metrics.KindEncode)))

	_, err = h.ctrl.GetResult(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestEncodeFaultSurfacesOnPause(t *testing.T) {
	h := newHarness(t, nil)
	h.codecs.failAt = 1
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.feed(t, ramp(0, 4))

	assert.ErrorIs(t, h.ctrl.Pause(), errCodecBroke)
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestDeferredEncodeFaultSurfacesOnGetResult(t *testing.T) {
	h := newHarness(t, func(o *options.Options) { o.DeferEncoding = true })
	h.codecs.failAt = 1
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.feed(t, ramp(0, 8))
	require.NoError(t, h.ctrl.Stop())

	_, err := h.ctrl.GetResult(context.Background())
	assert.ErrorIs(t, err, errCodecBroke)
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Pause(), ErrInvalidTransition)

	require.NoError(t, h.ctrl.Start(ctx))
	assert.ErrorIs(t, h.ctrl.Start(ctx), ErrInvalidTransition)
	_, err := h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateRecording, h.ctrl.State())

	require.NoError(t, h.ctrl.Stop())
	assert.ErrorIs(t, h.ctrl.Pause(), ErrInvalidTransition)
}

func TestRestartAfterStopStartsNewSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	first := h.ctrl.SessionID()
	h.feed(t, ramp(0, 4))
	require.NoError(t, h.ctrl.Stop())

	require.NoError(t, h.ctrl.Start(ctx))
	assert.NotEqual(t, first, h.ctrl.SessionID())
	assert.True(t, h.codecs.created[0].closed, "old session is released")
	assert.Len(t, h.source.opened, 2)

	h.feed(t, ramp(50, 2))
	require.NoError(t, h.ctrl.Stop())
	_, err := h.ctrl.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, ramp(50, 2), h.codecs.last().samples(), "old session audio is gone")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SessionsStarted))
}

func TestStopCloseErrorKeepsData(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.feed(t, ramp(0, 4))
	h.source.current().closeErr = errors.New("device vanished")

	assert.Error(t, h.ctrl.Stop())
	assert.Equal(t, StateStopped, h.ctrl.State())
	_, err := h.ctrl.GetResult(context.Background())
	assert.NoError(t, err)
}

func TestSourceDone(t *testing.T) {
	h := newHarness(t, nil)
	assert.Nil(t, h.ctrl.SourceDone())

	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Nil(t, h.ctrl.SourceDone(), "live streams never finish")
	require.NoError(t, h.ctrl.Stop())

	h.source.finite = true
	require.NoError(t, h.ctrl.Start(context.Background()))
	done := h.ctrl.SourceDone()
	require.NotNil(t, done)
	close(h.source.current().done)
	<-done
}

func TestDeliverToFile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(0, 4))
	require.NoError(t, h.ctrl.Stop())

	path := filepath.Join(t.TempDir(), "out", "take.mp3")
	require.NoError(t, h.ctrl.Deliver(ctx, FileConsumer{Path: path}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0, 4, 0, 1, 2, 3, 0xFE}, got)
}

func TestDeliverConsumerError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	h.feed(t, ramp(0, 4))
	require.NoError(t, h.ctrl.Stop())

	var gotType string
	boom := errors.New("upload failed")
	err := h.ctrl.Deliver(ctx, ConsumerFunc(func(_ context.Context, data []byte, contentType string) error {
		gotType = contentType
		return boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ContentType, gotType)
	assert.Equal(t, StateStopped, h.ctrl.State())

	// the recording survives a failed delivery
	var got []byte
	require.NoError(t, h.ctrl.Deliver(ctx, ConsumerFunc(func(_ context.Context, data []byte, _ string) error {
		got = append([]byte(nil), data...)
		return nil
	})))
	assert.Equal(t, []byte{0xF0, 0, 4, 0, 1, 2, 3, 0xFE}, got)

	_, err = h.ctrl.GetResult(ctx)
	assert.ErrorIs(t, err, ErrEmptyResult, "a successful delivery takes the result")
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.True(t, h.codecs.last().closed)
	assert.Equal(t, 1, h.source.current().closed)
}

// Live capture keeps delivering from its own goroutine while the controller
// pauses and resumes. Every accepted block must land in the codec in order.
func TestConcurrentCaptureAndControl(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	stream := h.source.current()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []float32
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			block := ramp(i, 3)
			mu.Lock()
			if stream.feed(block) {
				accepted = append(accepted, block...)
			}
			mu.Unlock()
		}
	}()

	for range 50 {
		require.NoError(t, h.ctrl.Pause())
		require.NoError(t, h.ctrl.Start(ctx))
	}
	require.NoError(t, h.ctrl.Stop())
	close(stop)
	wg.Wait()

	_, err := h.ctrl.GetResult(ctx)
	if len(accepted) == 0 {
		assert.ErrorIs(t, err, ErrEmptyResult)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, accepted, h.codecs.last().samples())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recording", StateRecording.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(42).String())
}
