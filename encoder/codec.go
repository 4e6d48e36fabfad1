package encoder

import (
	"errors"
	"fmt"
)

var (
	// ErrCodecInit is returned when the underlying encoder cannot be created
	// or started. It is not recoverable for the session that hit it.
	ErrCodecInit = errors.New("codec initialization failed")
	// ErrEmptyResult is returned by Finish when no compressed bytes exist.
	ErrEmptyResult = errors.New("no encoded audio")
)

// Codec is the compressed-audio library the adapter drives. Frames handed to
// EncodeFrame are FrameSize samples long except for a final short frame.
type Codec interface {
	FrameSize() int
	// EncodeFrame may return zero bytes when the encoder buffers internally.
	EncodeFrame(frame []float32) ([]byte, error)
	// Flush returns any residual bytes held by the encoder.
	Flush() ([]byte, error)
	Close() error
}

// CodecFactory builds a codec for a sample rate and bit rate (kbps) fixed at
// construction.
type CodecFactory func(sampleRate, bitRate int) (Codec, error)

// Adapter wraps a Codec and accumulates everything it produces.
type Adapter struct {
	codec  Codec
	out    []byte
	frames int64
	bytes  int64
}

// NewAdapter wraps codec.
func NewAdapter(codec Codec) *Adapter {
	return &Adapter{codec: codec}
}

// FrameSize returns the frame size required by the wrapped codec.
func (a *Adapter) FrameSize() int { return a.codec.FrameSize() }

// Encode feeds one frame to the codec and appends its output.
func (a *Adapter) Encode(frame []float32) error {
	b, err := a.codec.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	a.frames++
	a.append(b)
	return nil
}

// Finish flushes the codec and returns all compressed output so far. The
// output is not cleared; call ClearBuffer once the result has been taken.
func (a *Adapter) Finish() ([]byte, error) {
	b, err := a.codec.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush codec: %w", err)
	}
	a.append(b)
	if len(a.out) == 0 {
		return nil, ErrEmptyResult
	}
	return a.out, nil
}

// ClearBuffer drops the accumulated output. The slice returned by a previous
// Finish is left untouched.
func (a *Adapter) ClearBuffer() {
	a.out = nil
}

// Close releases the codec.
func (a *Adapter) Close() error {
	return a.codec.Close()
}

// Frames returns the number of frames successfully encoded.
func (a *Adapter) Frames() int64 { return a.frames }

// Bytes returns the total number of compressed bytes produced.
func (a *Adapter) Bytes() int64 { return a.bytes }

func (a *Adapter) append(b []byte) {
	if len(b) == 0 {
		return
	}
	a.out = append(a.out, b...)
	a.bytes += int64(len(b))
}
