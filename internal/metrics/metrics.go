package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_http_responses_total",
		Help: "Total number of responses served by the status server",
	}, []string{"route", "status_code"})

	// Frame evaluation metrics
	FramesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upscaler_frames_evaluated_total",
		Help: "Total number of frames upscaled successfully",
	})

	FrameFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_frame_failures_total",
		Help: "Total number of abandoned frames by pipeline stage",
	}, []string{"stage"})

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upscaler_frame_duration_ms",
		Help:    "Duration of a full frame evaluation in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5ms to ~4s
	})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upscaler_inference_duration_ms",
		Help:    "Duration of the inference run in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	})

	// Initialization metrics
	InitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_init_failures_total",
		Help: "Total number of failed backend initializations by kind",
	}, []string{"kind"})

	SharedBufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upscaler_shared_buffer_bytes",
		Help: "Size of the interop buffers shared with the compute runtime",
	}, []string{"buffer"})

	ComputeCapability = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upscaler_compute_capability",
		Help: "Compute capability of the active device as major.minor",
	})
)
