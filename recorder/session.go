package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/encoder"
	"github.com/richinsley/micrec/metrics"
)

var errEncode = errors.New("encoding failed")

// session is one recording from Start to the next Start after Stop. Its
// pipeline is driven by onBlock while the stream is connected and by the
// controller while it is not, never by both.
type session struct {
	id      uuid.UUID
	stream  audio.Stream
	frames  *encoder.FrameBuffer
	adapter *encoder.Adapter
	store   *ChunkStore // nil when encoding while capturing
	gate    *StartupGate

	clock   func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// set for finite streams, whose blocks are gated by media position
	started      time.Time
	mediaRate    int
	mediaSamples int64

	fault       error
	gatedBlocks int64
}

func newSession(stream audio.Stream, codec encoder.Codec, deferred bool, delay time.Duration,
	clock func() time.Time, m *metrics.Metrics, logger zerolog.Logger) (*session, error) {
	started := clock()
	s := &session{
		id:      uuid.New(),
		stream:  stream,
		adapter: encoder.NewAdapter(codec),
		gate:    NewStartupGate(started, delay),
		clock:   clock,
		metrics: m,
		started: started,
	}
	if _, ok := stream.(audio.Finite); ok && stream.SampleRate() > 0 {
		s.mediaRate = stream.SampleRate()
	}
	s.logger = logger.With().Str("session", s.id.String()).Logger()

	frames, err := encoder.NewFrameBuffer(s.adapter.FrameSize(), s.encode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecInit, err)
	}
	s.frames = frames
	if deferred {
		s.store = NewChunkStore()
	}
	return s, nil
}

func (s *session) deferred() bool { return s.store != nil }

func (s *session) encode(frame []float32) error {
	if err := s.adapter.Encode(frame); err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}
	s.metrics.FramesEncoded.Inc()
	return nil
}

// onBlock is the capture sink. It runs on the source's goroutine and must
// not touch the controller.
func (s *session) onBlock(block []float32) {
	if s.fault != nil {
		return
	}
	if !s.gate.IsOpen(s.gateTime(len(block))) {
		s.gatedBlocks++
		s.metrics.BlocksGated.Inc()
		s.metrics.SamplesGated.Add(float64(len(block)))
		return
	}

	s.metrics.SamplesAccepted.Add(float64(len(block)))
	if s.store != nil {
		s.store.Append(block)
		s.metrics.ChunksDeferred.Inc()
		return
	}
	if err := s.frames.Push(block); err != nil {
		s.fault = err
		s.logger.Error().Err(err).Msg("encoding failed during capture")
	}
}

// gateTime returns the instant a block of n samples is judged at: the wall
// clock for live streams, the block's position in the media for finite ones.
func (s *session) gateTime(n int) time.Time {
	if s.mediaRate == 0 {
		return s.clock()
	}
	at := s.started.Add(time.Duration(s.mediaSamples) * time.Second / time.Duration(s.mediaRate))
	s.mediaSamples += int64(n)
	return at
}

// finish replays deferred chunks, flushes the partial frame and returns the
// compressed output. It must only be called while disconnected.
func (s *session) finish(ctx context.Context) ([]byte, error) {
	if s.store != nil && s.store.Len() > 0 {
		start := time.Now()
		n := s.store.Len()
		if err := s.store.Replay(ctx, s.frames.Push); err != nil {
			return nil, err
		}
		s.logger.Debug().Int("chunks", n).Dur("took", time.Since(start)).Msg("deferred audio encoded")
	}
	if err := s.frames.FlushPartial(); err != nil {
		return nil, err
	}
	data, err := s.adapter.Finish()
	if err != nil && !errors.Is(err, ErrEmptyResult) {
		return nil, fmt.Errorf("%w: %w", errEncode, err)
	}
	return data, err
}

func (s *session) close() {
	if err := s.adapter.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close codec")
	}
}

func (s *session) storeSamples() int {
	if s.store == nil {
		return 0
	}
	return s.store.Samples()
}
