package audio

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/richinsley/micrec/options"
)

// NewSource is a factory that picks the capture source named by
// opts.Backend.
func NewSource(opts options.Options, logger zerolog.Logger) (Source, error) {
	switch opts.Backend {
	case options.BackendPortAudio, "":
		return NewMicrophone(logger), nil
	case options.BackendFFmpeg:
		return NewFFmpegDevice(opts.FFmpegPath, logger), nil
	case options.BackendWav:
		if opts.InputFile == "" {
			return nil, fmt.Errorf("%w: wav backend needs an input file", ErrDeviceUnavailable)
		}
		return NewWavFile(opts.InputFile, opts.RealTime, logger), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", opts.Backend)
	}
}
