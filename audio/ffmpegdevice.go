// audio/ffmpegdevice.go
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpegBlockSize is the number of samples per block read from ffmpeg.
const FFmpegBlockSize = 1024

// FFmpegDevice captures audio from a live device through an ffmpeg process
// decoding to mono f32le.
type FFmpegDevice struct {
	ffmpegPath string
	logger     zerolog.Logger
}

// NewFFmpegDevice creates a capture source backed by ffmpeg.
func NewFFmpegDevice(ffmpegPath string, logger zerolog.Logger) *FFmpegDevice {
	return &FFmpegDevice{
		ffmpegPath: ffmpegPath,
		logger:     logger.With().Str("component", "ffmpeg-capture").Logger(),
	}
}

// captureInput returns the ffmpeg input format and device for a platform.
func captureInput(goos, device string) (format, input string, err error) {
	switch goos {
	case "darwin":
		format = "avfoundation"
		if device == "" {
			device = ":default"
		}
	case "linux":
		format = "pulse" // or "alsa"
		if device == "" {
			device = "default"
		}
	case "windows":
		format = "dshow"
		if device == "" {
			return "", "", fmt.Errorf("%w: dshow needs an explicit device name", ErrDeviceUnavailable)
		}
		if !strings.HasPrefix(device, "audio=") {
			device = "audio=" + device
		}
	default:
		return "", "", fmt.Errorf("%w: unsupported OS for live audio capture: %s", ErrDeviceUnavailable, goos)
	}
	return format, device, nil
}

func (d *FFmpegDevice) stream(format, input string, rate int, out, errOut io.Writer) *ffmpeg.Stream {
	s := ffmpeg.Input(input, ffmpeg.KwArgs{
		"f":      format,
		"fflags": "nobuffer",
	}).Output("pipe:", ffmpeg.KwArgs{
		"f":   "f32le",
		"c:a": "pcm_f32le",
		"ac":  "1",
		"ar":  strconv.Itoa(rate),
	}).GlobalArgs("-hide_banner", "-loglevel", "error", "-nostdin").
		WithOutput(out).
		WithErrorOutput(errOut)

	if d.ffmpegPath != "" {
		s = s.SetFfmpegPath(d.ffmpegPath)
	}
	return s
}

// Open starts ffmpeg and returns once the first block has been captured, so
// a device that cannot be opened is reported here rather than later.
func (d *FFmpegDevice) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	format, input, err := captureInput(runtime.GOOS, opts.Device)
	if err != nil {
		return nil, err
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}

	pr, pw := io.Pipe()
	stderr := &bytes.Buffer{}
	cmd := d.stream(format, input, rate, pw, stderr).Compile()

	d.logger.Info().Str("format", format).Str("input", input).Msg("starting ffmpeg device input")
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	s := &ffmpegStream{
		rate:     rate,
		cmd:      cmd,
		reader:   pr,
		ready:    make(chan struct{}),
		exited:   make(chan struct{}),
		pumpDone: make(chan struct{}),
		logger:   d.logger,
	}
	go func() {
		s.waitErr = cmd.Wait()
		pw.CloseWithError(io.EOF)
		close(s.exited)
	}()
	go s.pump()

	select {
	case <-s.ready:
		return s, nil
	case <-s.exited:
		<-s.pumpDone
		return nil, classifyFFmpegExit(s.waitErr, stderr.String())
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func classifyFFmpegExit(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission") || strings.Contains(lower, "not authorized") || strings.Contains(lower, "denied") {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	}
	if err == nil {
		err = errors.New("exited before delivering audio")
	}
	return fmt.Errorf("%w: ffmpeg: %v: %s", ErrDeviceUnavailable, err, msg)
}

type ffmpegStream struct {
	Wiring
	rate     int
	cmd      *exec.Cmd
	reader   *io.PipeReader
	ready    chan struct{}
	exited   chan struct{}
	waitErr  error
	pumpDone chan struct{}
	logger   zerolog.Logger
	once     sync.Once
}

func (s *ffmpegStream) SampleRate() int { return s.rate }

// Done is closed when ffmpeg stops producing audio.
func (s *ffmpegStream) Done() <-chan struct{} { return s.pumpDone }

func (s *ffmpegStream) pump() {
	defer close(s.pumpDone)

	raw := make([]byte, FFmpegBlockSize*4)
	block := make([]float32, FFmpegBlockSize)
	first := true
	for {
		if _, err := io.ReadFull(s.reader, raw); err != nil {
			return
		}
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		if first {
			first = false
			close(s.ready)
		}
		s.Deliver(block)
	}
}

// Close kills ffmpeg and waits for the delivery goroutine.
func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		s.Disconnect()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.reader.CloseWithError(io.EOF)
		<-s.exited
		<-s.pumpDone
		s.logger.Info().Msg("ffmpeg device input closed")
	})
	return nil
}
