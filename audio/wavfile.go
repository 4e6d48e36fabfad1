package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/wav"
	"github.com/rs/zerolog"
)

// WavBlockFrames is the number of frames read from a WAV file per block.
const WavBlockFrames = 1024

// WavFile plays a WAV file as if it were a capture device. Every sample in
// the file is delivered; blocks wait while no sink is connected.
type WavFile struct {
	path     string
	realTime bool
	logger   zerolog.Logger
}

// NewWavFile creates a file source. With realTime set, delivery is paced to
// the file's sample rate.
func NewWavFile(path string, realTime bool, logger zerolog.Logger) *WavFile {
	return &WavFile{
		path:     path,
		realTime: realTime,
		logger:   logger.With().Str("component", "wav-input").Str("path", path).Logger(),
	}
}

func (f *WavFile) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	w, err := wav.New(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: parse wav %s: %v", ErrDeviceUnavailable, f.path, err)
	}

	channels := int(w.NumChannels)
	rate := int(w.SampleRate)
	switch {
	case channels != 1 && channels != 2:
		file.Close()
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrDeviceUnavailable, channels)
	case opts.SampleRate != 0 && opts.SampleRate != rate:
		file.Close()
		return nil, fmt.Errorf("%w: file is %d Hz, %d Hz requested", ErrDeviceUnavailable, rate, opts.SampleRate)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &wavStream{
		file:      file,
		wav:       w,
		rate:      rate,
		channels:  channels,
		remaining: w.Samples,
		realTime:  f.realTime,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    f.logger,
	}
	go s.run(runCtx)

	f.logger.Info().
		Int("sample_rate", rate).
		Int("channels", channels).
		Dur("duration", w.Duration).
		Msg("wav input opened")
	return s, nil
}

type wavStream struct {
	Wiring
	file      *os.File
	wav       *wav.Wav
	rate      int
	channels  int
	remaining int // interleaved values left before the tail
	tailRead  bool
	realTime  bool

	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
	once   sync.Once
	err    error
}

func (s *wavStream) SampleRate() int { return s.rate }

// Done is closed after the last block of the file has been delivered.
func (s *wavStream) Done() <-chan struct{} { return s.done }

func (s *wavStream) next() ([]float32, error) {
	n := min(WavBlockFrames*s.channels, s.remaining)
	n -= n % s.channels
	if n == 0 {
		return s.readTail()
	}
	samples, err := s.read(n)
	if err != nil {
		return nil, err
	}
	s.remaining -= n
	return s.mono(samples), nil
}

// readTail collects the frames past wav.Samples, which go-dsp rounds down to
// a multiple of eight.
func (s *wavStream) readTail() ([]float32, error) {
	if s.tailRead {
		return nil, io.EOF
	}
	s.tailRead = true

	var out []float32
	for {
		frame, err := s.read(s.channels)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return s.mono(out), nil
}

func (s *wavStream) read(n int) ([]float32, error) {
	data, err := s.wav.ReadSamples(n)
	if err != nil {
		return nil, err
	}
	return pcmToFloat32(data)
}

func (s *wavStream) mono(samples []float32) []float32 {
	if s.channels == 2 {
		return DownmixStereoToMono(samples)
	}
	return samples
}

// pcmToFloat32 scales go-dsp sample slices to [-1, 1). Unsigned 8-bit PCM is
// centred on 128.
func pcmToFloat32(data interface{}) ([]float32, error) {
	switch d := data.(type) {
	case []float32:
		return d, nil
	case []int16:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v) / 32768
		}
		return out, nil
	case []uint8:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = (float32(v) - 128) / 128
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported wav sample type %T", data)
}

func (s *wavStream) run(ctx context.Context) {
	defer close(s.done)

	start := time.Now()
	var sent int64
	for {
		block, err := s.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
				s.logger.Error().Err(err).Msg("wav read failed")
			}
			return
		}
		if err := s.DeliverWait(ctx, block); err != nil {
			return
		}
		sent += int64(len(block))

		if s.realTime {
			// keep delivery at most one block ahead of the wall clock
			expected := int64(time.Since(start).Seconds() * float64(s.rate))
			if sent > expected {
				ahead := time.Duration(float64(sent-expected) * float64(time.Second) / float64(s.rate))
				select {
				case <-time.After(ahead):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *wavStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.Disconnect()
		if err := s.file.Close(); err != nil && s.err == nil {
			s.err = err
		}
	})
	return s.err
}
