package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error kinds used as the "kind" label of Errors.
const (
	KindPermission = "permission_denied"
	KindDevice     = "device_unavailable"
	KindCodec      = "codec"
	KindEncode     = "encode"
	KindOther      = "other"
)

// Metrics contains all Prometheus metrics for the recorder
type Metrics struct {
	SessionsStarted prometheus.Counter
	Recording       prometheus.Gauge

	// Capture path
	BlocksGated     prometheus.Counter
	SamplesGated    prometheus.Counter
	SamplesAccepted prometheus.Counter
	ChunksDeferred  prometheus.Counter

	// Encoding
	FramesEncoded  prometheus.Counter
	BytesProduced  prometheus.Counter
	FinishDuration prometheus.Histogram

	Errors *prometheus.CounterVec
}

// New creates the recorder metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		Recording: f.NewGauge(prometheus.GaugeOpts{
			Name: "micrec_recording",
			Help: "1 while a session is capturing audio",
		}),
		BlocksGated: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_blocks_gated_total",
			Help: "Capture blocks discarded by the startup gate",
		}),
		SamplesGated: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_samples_gated_total",
			Help: "Samples discarded by the startup gate",
		}),
		SamplesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_samples_accepted_total",
			Help: "Samples accepted for encoding",
		}),
		ChunksDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_chunks_deferred_total",
			Help: "Raw blocks stored for deferred encoding",
		}),
		FramesEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_frames_encoded_total",
			Help: "Frames handed to the codec",
		}),
		BytesProduced: f.NewCounter(prometheus.CounterOpts{
			Name: "micrec_bytes_produced_total",
			Help: "Compressed bytes returned by GetResult",
		}),
		FinishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "micrec_finish_duration_seconds",
			Help:    "Time spent replaying and flushing in GetResult",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micrec_errors_total",
			Help: "Recorder failures by kind",
		}, []string{"kind"}),
	}
}
