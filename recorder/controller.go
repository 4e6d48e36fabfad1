package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/encoder"
	"github.com/richinsley/micrec/metrics"
	"github.com/richinsley/micrec/options"
)

// Controller drives one microphone recording at a time through
// Start, Pause, Stop and GetResult. All methods are safe for concurrent use.
type Controller struct {
	opts    options.Options
	source  audio.Source
	codecs  encoder.CodecFactory
	logger  zerolog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu      sync.Mutex
	state   State
	session *session
	lastErr error
}

type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now for the startup gate.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

func NewController(opts options.Options, source audio.Source, codecs encoder.CodecFactory, opt ...Option) *Controller {
	c := &Controller{
		opts:   opts,
		source: source,
		codecs: codecs,
		logger: zerolog.Nop(),
		clock:  time.Now,
		state:  StateIdle,
	}
	for _, o := range opt {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(prometheus.NewRegistry())
	}
	c.logger = c.logger.With().Str("component", "recorder").Logger()
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that last moved the controller through StateError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID returns the id of the current session, or "" if there is none.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id.String()
}

// SourceDone returns a channel closed when the current stream runs out of
// audio, or nil for live streams.
func (c *Controller) SourceDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	if f, ok := c.session.stream.(audio.Finite); ok {
		return f.Done()
	}
	return nil
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state change")
	c.state = s
	if s == StateRecording {
		c.metrics.Recording.Set(1)
	} else {
		c.metrics.Recording.Set(0)
	}
}

// fail records err, passes through StateError and settles in StateIdle with
// the session torn down.
func (c *Controller) fail(err error) error {
	c.setState(StateError)
	c.lastErr = err
	c.metrics.Errors.WithLabelValues(errorKind(err)).Inc()
	c.logger.Error().Err(err).Msg("recording failed")

	if s := c.session; s != nil {
		s.stream.Disconnect()
		if cerr := s.stream.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("failed to close capture stream")
		}
		s.close()
		c.session = nil
	}
	c.setState(StateIdle)
	return err
}

func (c *Controller) invalid(op string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, c.state)
}

// Start begins a new session, or resumes the current one when paused.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePaused:
		c.session.stream.Connect(c.session.onBlock)
		c.setState(StateRecording)
		c.logger.Info().Str("session", c.session.id.String()).Msg("recording resumed")
		return nil
	case StateIdle, StateStopped:
	default:
		return c.invalid("start")
	}

	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	c.setState(StateInitializing)

	stream, err := c.source.Open(ctx, audio.OpenOptions{
		Device:     c.opts.Device,
		SampleRate: c.opts.SampleRate,
	})
	if err != nil {
		return c.fail(fmt.Errorf("open capture stream: %w", err))
	}

	codec, err := c.codecs(stream.SampleRate(), c.opts.BitRate)
	if err != nil {
		stream.Close()
		if !errors.Is(err, ErrCodecInit) {
			err = fmt.Errorf("%w: %v", ErrCodecInit, err)
		}
		return c.fail(err)
	}

	s, err := newSession(stream, codec, c.opts.DeferEncoding, c.opts.StartDelay(), c.clock, c.metrics, c.logger)
	if err != nil {
		stream.Close()
		codec.Close()
		return c.fail(err)
	}
	c.session = s
	stream.Connect(s.onBlock)

	c.metrics.SessionsStarted.Inc()
	c.setState(StateRecording)
	s.logger.Info().
		Int("sample_rate", stream.SampleRate()).
		Int("bit_rate", c.opts.BitRate).
		Int("frame_size", s.frames.Capacity()).
		Bool("deferred", s.deferred()).
		Msg("recording started")
	return nil
}

// Pause stops accepting audio without releasing anything. No sample is
// accepted after Pause returns.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePaused:
		return nil
	case StateRecording:
	default:
		return c.invalid("pause")
	}

	c.session.stream.Disconnect()
	if err := c.session.fault; err != nil {
		return c.fail(err)
	}
	c.setState(StatePaused)
	c.logger.Info().Str("session", c.session.id.String()).Msg("recording paused")
	return nil
}

// Stop ends capture and releases the device. The recorded audio stays
// available to GetResult. Stopping an idle or stopped controller does nothing.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateStopped:
		return nil
	case StateRecording, StatePaused:
	default:
		return c.invalid("stop")
	}

	s := c.session
	s.stream.Disconnect()
	if err := s.fault; err != nil {
		return c.fail(err)
	}

	closeErr := s.stream.Close()
	c.setState(StateStopped)
	s.logger.Info().
		Int64("gated_blocks", s.gatedBlocks).
		Int64("samples", s.frames.Pushed()+int64(s.storeSamples())).
		Msg("recording stopped")
	if closeErr != nil {
		c.logger.Warn().Err(closeErr).Msg("failed to close capture stream")
		return fmt.Errorf("close capture stream: %w", closeErr)
	}
	return nil
}

// GetResult encodes whatever is still pending and returns the compressed
// audio recorded since the last GetResult. It is only valid while paused or
// stopped. A cancelled ctx interrupts deferred encoding between chunks; the
// rest is encoded by the next call.
func (c *Controller) GetResult(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.result(ctx)
	if err != nil {
		return nil, err
	}
	c.take(data)
	return data, nil
}

// Deliver hands the result to consumer. The output is only cleared once
// consumer accepts it, so a failed delivery can be retried. consumer runs
// with the controller locked and must not call back into it.
func (c *Controller) Deliver(ctx context.Context, consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.result(ctx)
	if err != nil {
		return err
	}
	if err := consumer.Consume(ctx, data, ContentType); err != nil {
		c.logger.Error().Err(err).Msg("failed to deliver recording")
		return fmt.Errorf("deliver recording: %w", err)
	}
	c.take(data)
	return nil
}

// result finishes the session's output without clearing it.
func (c *Controller) result(ctx context.Context) ([]byte, error) {
	switch c.state {
	case StatePaused, StateStopped:
	case StateIdle:
		return nil, ErrEmptyResult
	default:
		return nil, c.invalid("get result")
	}
	s := c.session
	if s == nil {
		return nil, ErrEmptyResult
	}
	if err := s.fault; err != nil {
		return nil, c.fail(err)
	}

	start := time.Now()
	data, err := s.finish(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Info().Int("pending_chunks", s.store.Len()).Msg("deferred encoding interrupted")
		return nil, err
	case errors.Is(err, ErrEmptyResult):
		return nil, err
	case err != nil:
		return nil, c.fail(err)
	}
	c.metrics.FinishDuration.Observe(time.Since(start).Seconds())
	return data, nil
}

func (c *Controller) take(data []byte) {
	s := c.session
	s.adapter.ClearBuffer()
	c.metrics.BytesProduced.Add(float64(len(data)))
	s.logger.Info().Int("bytes", len(data)).Int64("frames", s.adapter.Frames()).Msg("result ready")
}

// Close stops any recording and releases the codec. Results not yet taken
// are lost.
func (c *Controller) Close() error {
	err := c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	if c.state == StateStopped {
		c.setState(StateIdle)
	}
	return err
}
