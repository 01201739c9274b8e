// Package metrics exposes the supervisor's runtime counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the supervisor updates. All collectors
// are registered on the given registerer.
type Metrics struct {
	Ticks            prometheus.Counter
	StreamRestarts   *prometheus.CounterVec
	MotionEpisodes   *prometheus.CounterVec
	FramesSentToML   prometheus.Counter
	FramesFromML     prometheus.Counter
	DetectorRestarts prometheus.Counter
	ProcessingSlots  prometheus.Gauge
	DiskUsedPercent  prometheus.Gauge
}

// New registers and returns the collector set.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "nvrd_ticks_total",
			Help: "Supervisor ticks executed.",
		}),
		StreamRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nvrd_stream_restarts_total",
			Help: "Stream transcoder starts per camera.",
		}, []string{"camera"}),
		MotionEpisodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nvrd_motion_episodes_total",
			Help: "Motion episodes opened per camera.",
		}, []string{"camera"}),
		FramesSentToML: factory.NewCounter(prometheus.CounterOpts{
			Name: "nvrd_frames_sent_to_ml_total",
			Help: "Frame paths written to the detector stdin.",
		}),
		FramesFromML: factory.NewCounter(prometheus.CounterOpts{
			Name: "nvrd_frames_received_from_ml_total",
			Help: "Detector result lines ingested.",
		}),
		DetectorRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "nvrd_detector_restarts_total",
			Help: "Detector worker spawns.",
		}),
		ProcessingSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nvrd_processing_slots",
			Help: "Cameras currently holding a processing slot.",
		}),
		DiskUsedPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nvrd_disk_used_percent",
			Help: "Disk usage of the recording volume.",
		}),
	}
}

// NewUnregistered returns a collector set on a private registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
