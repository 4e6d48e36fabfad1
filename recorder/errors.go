package recorder

import (
	"errors"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/encoder"
	"github.com/richinsley/micrec/metrics"
)

var (
	ErrPermissionDenied  = audio.ErrPermissionDenied
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable
	ErrCodecInit         = encoder.ErrCodecInit
	ErrEmptyResult       = encoder.ErrEmptyResult

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the controller's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// errorKind maps an error onto the metrics "kind" label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return metrics.KindPermission
	case errors.Is(err, ErrDeviceUnavailable):
		return metrics.KindDevice
	case errors.Is(err, ErrCodecInit):
		return metrics.KindCodec
	case errors.Is(err, errEncode):
		return metrics.KindEncode
	default:
		return metrics.KindOther
	}
}
