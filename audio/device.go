package audio

import (
	"context"
	"errors"
)

// Sources deliver mono float32 blocks of whatever size the platform picks.
// macos:	brew install portaudio ffmpeg
// debian:	sudo apt-get install portaudio19-dev ffmpeg
// windows:	pacman -S mingw-w64-x86_64-portaudio

var (
	// ErrPermissionDenied means the platform refused access to the device.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrDeviceUnavailable means no usable input device could be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// DefaultSampleRate is used when neither the caller nor the device picks one.
const DefaultSampleRate = 44100

// Sink receives captured blocks. The block is only valid for the duration of
// the call; sinks that keep samples must copy them.
type Sink func(block []float32)

// OpenOptions selects the device and requested rate for a capture stream.
type OpenOptions struct {
	// Device is an opaque, source specific selector. Empty means the default.
	Device string
	// SampleRate of 0 lets the source choose.
	SampleRate int
}

// Source acquires capture streams.
type Source interface {
	Open(ctx context.Context, opts OpenOptions) (Stream, error)
}

// Stream is an open capture handle. Blocks reach the connected sink until
// Disconnect or Close; after either returns the sink is not called again.
type Stream interface {
	SampleRate() int
	Connect(sink Sink)
	Disconnect()
	Close() error
}

// Finite is implemented by streams that run out of data, such as files.
type Finite interface {
	Done() <-chan struct{}
}

// NullDevice opens streams that never deliver anything.
type NullDevice struct {
	rate int
}

func NewNullDevice(sampleRate int) *NullDevice {
	return &NullDevice{rate: sampleRate}
}

// Open for NullDevice returns a silent stream.
func (d *NullDevice) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	rate := opts.SampleRate
	if rate == 0 {
		rate = d.rate
	}
	if rate == 0 {
		rate = DefaultSampleRate
	}
	return &nullStream{rate: rate}, nil
}

type nullStream struct {
	Wiring
	rate int
}

func (s *nullStream) SampleRate() int { return s.rate }

func (s *nullStream) Close() error {
	s.Disconnect()
	return nil
}
