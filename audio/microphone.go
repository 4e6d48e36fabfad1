package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// blockQueue is the number of callback blocks buffered between the portaudio
// thread and the delivery goroutine.
const blockQueue = 16

// Microphone opens portaudio input streams. It initializes portaudio on
// demand and must be terminated once no stream is needed anymore.
type Microphone struct {
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

func NewMicrophone(logger zerolog.Logger) *Microphone {
	return &Microphone{logger: logger.With().Str("component", "microphone").Logger()}
}

// Open tries to open the input stream and, if portaudio has not been
// initialized yet, initializes it and tries exactly once more.
func (m *Microphone) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	s, err := m.tryOpen(opts)
	if errors.Is(err, portaudio.NotInitialized) {
		s, err = m.registerThenOpen(opts)
	}
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return s, nil
}

func (m *Microphone) registerThenOpen(opts OpenOptions) (*micStream, error) {
	m.mu.Lock()
	if !m.initialized {
		if err := portaudio.Initialize(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		m.initialized = true
		m.logger.Debug().Msg("portaudio initialized")
	}
	m.mu.Unlock()
	return m.tryOpen(opts)
}

func (m *Microphone) tryOpen(opts OpenOptions) (*micStream, error) {
	dev, err := findInputDevice(opts.Device)
	if err != nil {
		return nil, err
	}

	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = dev.DefaultSampleRate
	if opts.SampleRate > 0 {
		params.SampleRate = float64(opts.SampleRate)
	}

	s := &micStream{
		rate:     int(params.SampleRate),
		blocks:   make(chan []float32, blockQueue),
		pumpDone: make(chan struct{}),
		logger:   m.logger.With().Str("device", dev.Name).Logger(),
	}

	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}
	s.stream = stream

	go s.pump()
	s.logger.Info().Int("sample_rate", s.rate).Msg("microphone stream started")
	return s, nil
}

// Terminate releases portaudio if this Microphone initialized it.
func (m *Microphone) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	m.initialized = false
	return portaudio.Terminate()
}

func findInputDevice(selector string) (*portaudio.DeviceInfo, error) {
	if selector == "" {
		host, err := portaudio.DefaultHostApi()
		if err != nil {
			return nil, err
		}
		if host.DefaultInputDevice == nil {
			return nil, fmt.Errorf("%w: no default input device", ErrDeviceUnavailable)
		}
		return host.DefaultInputDevice, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(selector)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, selector)
}

func classifyOpenError(err error) error {
	if errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrPermissionDenied) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// micStream is a live portaudio input. The callback runs on the portaudio
// thread and must never block.
type micStream struct {
	Wiring
	rate     int
	stream   *portaudio.Stream
	blocks   chan []float32
	pumpDone chan struct{}
	dropped  atomic.Int64
	logger   zerolog.Logger
	once     sync.Once
	closeErr error
}

func (s *micStream) SampleRate() int { return s.rate }

func (s *micStream) process(in []float32) {
	// portaudio reuses its buffer
	block := make([]float32, len(in))
	copy(block, in)

	select {
	case s.blocks <- block:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn().Msg("capture queue full, dropping audio blocks")
		}
	}
}

func (s *micStream) pump() {
	defer close(s.pumpDone)
	for block := range s.blocks {
		s.Deliver(block)
	}
}

// Close stops the portaudio stream and waits for queued blocks to drain.
func (s *micStream) Close() error {
	s.once.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		close(s.blocks)
		<-s.pumpDone
		s.Disconnect()
		if n := s.dropped.Load(); n > 0 {
			s.logger.Warn().Int64("blocks", n).Msg("audio blocks dropped during capture")
		}
		s.logger.Info().Msg("microphone stream closed")
	})
	return s.closeErr
}

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// ListDevices enumerates portaudio input devices, initializing portaudio for
// the duration of the call when needed.
func ListDevices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if errors.Is(err, portaudio.NotInitialized) {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		defer portaudio.Terminate()
		devices, err = portaudio.Devices()
	}
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var defaultName string
	if d, err := portaudio.DefaultInputDevice(); err == nil && d != nil {
		defaultName = d.Name
	}

	var out []DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           d.Name == defaultName,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}
