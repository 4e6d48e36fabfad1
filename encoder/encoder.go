package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// MP3 frame sizes in samples per channel.
const (
	MPEG1FrameSize = 1152
	MPEG2FrameSize = 576
)

var errEncoderExited = errors.New("ffmpeg encoder exited")

// MP3FrameSize returns the codec frame size for a sample rate. MPEG-1 covers
// 32, 44.1 and 48 kHz; the lower rates are MPEG-2/2.5 with half-size frames.
func MP3FrameSize(sampleRate int) (int, error) {
	switch sampleRate {
	case 32000, 44100, 48000:
		return MPEG1FrameSize, nil
	case 8000, 11025, 12000, 16000, 22050, 24000:
		return MPEG2FrameSize, nil
	}
	return 0, fmt.Errorf("sample rate %d is not valid for mp3", sampleRate)
}

// MP3Codec encodes mono float32 frames to MP3 through an ffmpeg/libmp3lame
// process. The process is started on the first frame and torn down by Flush,
// so one codec can produce several concatenated MP3 streams.
type MP3Codec struct {
	sampleRate int
	bitRate    int
	frameSize  int
	ffmpegPath string
	logger     zerolog.Logger

	cmd     *exec.Cmd
	stdin   *io.PipeWriter
	out     *lockedBuffer
	stderr  *lockedBuffer
	done    chan error
	scratch []byte
}

// NewMP3Codec validates the parameters and returns an idle codec.
func NewMP3Codec(sampleRate, bitRate int, ffmpegPath string, logger zerolog.Logger) (*MP3Codec, error) {
	frameSize, err := MP3FrameSize(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecInit, err)
	}
	if bitRate <= 0 || bitRate > 320 {
		return nil, fmt.Errorf("%w: bit rate %d kbps out of range", ErrCodecInit, bitRate)
	}
	return &MP3Codec{
		sampleRate: sampleRate,
		bitRate:    bitRate,
		frameSize:  frameSize,
		ffmpegPath: ffmpegPath,
		logger:     logger.With().Str("component", "mp3").Logger(),
		scratch:    make([]byte, frameSize*4),
	}, nil
}

// NewMP3Factory returns a CodecFactory producing ffmpeg backed MP3 codecs.
// The ffmpeg binary is resolved up front so a missing binary is reported as a
// codec init failure instead of surfacing on the first frame.
func NewMP3Factory(ffmpegPath string, logger zerolog.Logger) CodecFactory {
	return func(sampleRate, bitRate int) (Codec, error) {
		bin := ffmpegPath
		if bin == "" {
			bin = "ffmpeg"
		}
		resolved, err := exec.LookPath(bin)
		if err != nil {
			return nil, fmt.Errorf("%w: locate ffmpeg: %v", ErrCodecInit, err)
		}
		return NewMP3Codec(sampleRate, bitRate, resolved, logger)
	}
}

// FrameSize implements Codec.
func (c *MP3Codec) FrameSize() int { return c.frameSize }

// stream builds the ffmpeg command graph: raw mono f32le in, raw mp3 out.
func (c *MP3Codec) stream(in io.Reader, out, errOut io.Writer) *ffmpeg.Stream {
	s := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"f":  "f32le",
		"ar": strconv.Itoa(c.sampleRate),
		"ac": "1",
	}).Output("pipe:", ffmpeg.KwArgs{
		"f":             "mp3",
		"c:a":           "libmp3lame",
		"b:a":           fmt.Sprintf("%dk", c.bitRate),
		"ac":            "1",
		"write_xing":    "0",
		"id3v2_version": "0",
		"fflags":        "+bitexact",
		"flags:a":       "+bitexact",
	}).GlobalArgs("-hide_banner", "-loglevel", "error", "-nostdin").
		WithInput(in).
		WithOutput(out).
		WithErrorOutput(errOut)

	if c.ffmpegPath != "" {
		s = s.SetFfmpegPath(c.ffmpegPath)
	}
	return s
}

func (c *MP3Codec) start() error {
	pr, pw := io.Pipe()
	out, stderr := &lockedBuffer{}, &lockedBuffer{}

	cmd := c.stream(pr, out, stderr).Compile()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("%w: start ffmpeg: %v", ErrCodecInit, err)
	}
	c.logger.Debug().Int("pid", cmd.Process.Pid).Int("sample_rate", c.sampleRate).Int("bit_rate", c.bitRate).Msg("mp3 encoder started")

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		// unblock writers if the process died while we were feeding it
		pr.CloseWithError(errEncoderExited)
		done <- err
	}()

	c.cmd, c.stdin, c.out, c.stderr, c.done = cmd, pw, out, stderr, done
	return nil
}

// EncodeFrame writes one frame to the encoder and returns whatever MP3 bytes
// it has produced so far, which is frequently nothing.
func (c *MP3Codec) EncodeFrame(frame []float32) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	if c.cmd == nil {
		if err := c.start(); err != nil {
			return nil, err
		}
	}

	need := len(frame) * 4
	if cap(c.scratch) < need {
		c.scratch = make([]byte, need)
	}
	buf := c.scratch[:need]
	for i, v := range frame {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := c.stdin.Write(buf); err != nil {
		return nil, c.failure("write frame", err)
	}
	return c.out.drain(), nil
}

// Flush closes the encoder input, waits for ffmpeg to finish and returns the
// remaining bytes. A codec that never received a frame flushes to nothing.
func (c *MP3Codec) Flush() ([]byte, error) {
	if c.cmd == nil {
		return nil, nil
	}
	c.stdin.Close()
	err := <-c.done
	rest := c.out.drain()
	stderr := c.stderr.String()
	c.reset()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg mp3 encoder: %w: %s", err, strings.TrimSpace(stderr))
	}
	c.logger.Debug().Int("bytes", len(rest)).Msg("mp3 encoder flushed")
	return rest, nil
}

// Close kills a running encoder without collecting its output.
func (c *MP3Codec) Close() error {
	if c.cmd == nil {
		return nil
	}
	c.stdin.CloseWithError(errEncoderExited)
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.done
	c.reset()
	return nil
}

func (c *MP3Codec) failure(op string, err error) error {
	if errors.Is(err, errEncoderExited) {
		exitErr := <-c.done
		stderr := c.stderr.String()
		c.reset()
		return fmt.Errorf("%s: ffmpeg exited: %v: %s", op, exitErr, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *MP3Codec) reset() {
	c.cmd, c.stdin, c.out, c.stderr, c.done = nil, nil, nil, nil, nil
}

// lockedBuffer collects process output written from exec's copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// drain returns a copy of the buffered bytes and empties the buffer.
func (b *lockedBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}
