// Package metrics exposes pipeline, alarm and camera counters as Prometheus metrics.
// There is no HTTP endpoint. The metrics are written to a file for the node_exporter
// textfile collector.
package metrics

import (
	"sync/atomic"

	"github.com/cyclopcam/intruder/server/alarm"
	"github.com/cyclopcam/intruder/server/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// Sources are the functions that we read on every scrape. Any of them may be nil.
type Sources struct {
	Pipeline func() pipeline.Stats
	Player   func() alarm.PlayerStats
}

// Metrics holds the counters owned by the session, and a private registry
type Metrics struct {
	FramesRead   atomic.Uint64
	ReadErrors   atomic.Uint64
	FramesShown  atomic.Uint64
	CameraStarts atomic.Uint64

	registry *prometheus.Registry
	sources  Sources
}

func New(sources Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sources:  sources,
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) counter(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "intruder",
		Name:      name,
		Help:      help,
	}, f))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "intruder",
		Name:      name,
		Help:      help,
	}, f))
}

func (m *Metrics) pipelineStats() pipeline.Stats {
	if m.sources.Pipeline == nil {
		return pipeline.Stats{}
	}
	return m.sources.Pipeline()
}

func (m *Metrics) playerStats() alarm.PlayerStats {
	if m.sources.Player == nil {
		return alarm.PlayerStats{}
	}
	return m.sources.Player()
}

func (m *Metrics) registerPrometheusMetrics() {
	// Camera
	m.counter("camera_frames_read_total", "Frames read from the camera", func() float64 { return float64(m.FramesRead.Load()) })
	m.counter("camera_read_errors_total", "Failed camera reads", func() float64 { return float64(m.ReadErrors.Load()) })
	m.counter("camera_starts_total", "Number of times the camera was started", func() float64 { return float64(m.CameraStarts.Load()) })
	m.counter("frames_shown_total", "Annotated frames rendered to the display", func() float64 { return float64(m.FramesShown.Load()) })

	// Pipeline
	m.counter("pipeline_frames_submitted_total", "Frames offered to the pipeline", func() float64 { return float64(m.pipelineStats().Submitted) })
	m.counter("pipeline_frames_accepted_total", "Frames accepted into the input queue", func() float64 { return float64(m.pipelineStats().Accepted) })
	m.counter("pipeline_input_drops_total", "Frames dropped because the input queue was full", func() float64 { return float64(m.pipelineStats().InputDrops) })
	m.counter("pipeline_output_drops_total", "Results dropped because the output queue was full", func() float64 { return float64(m.pipelineStats().OutputDrops) })
	m.counter("pipeline_frames_processed_total", "Frames that completed detection", func() float64 { return float64(m.pipelineStats().Processed) })
	m.counter("pipeline_errors_total", "Frames that failed detection", func() float64 { return float64(m.pipelineStats().Errors) })
	m.counter("alarms_fired_total", "Number of times the alarm fired", func() float64 { return float64(m.pipelineStats().AlarmsFired) })
	m.gauge("pipeline_queue_length", "Frames waiting in the input queue", func() float64 { return float64(m.pipelineStats().QueueLength) })
	m.gauge("pipeline_detect_seconds", "Moving average of detection time per frame", func() float64 { return m.pipelineStats().AvgDetectTime.Seconds() })
	m.gauge("pipeline_mask_seconds", "Moving average of masking time per frame", func() float64 { return m.pipelineStats().AvgMaskTime.Seconds() })
	m.gauge("pipeline_annotate_seconds", "Moving average of annotation time per frame", func() float64 { return m.pipelineStats().AvgAnnotateTime.Seconds() })
	m.gauge("pipeline_running", "1 if the pipeline worker is running", func() float64 {
		if m.pipelineStats().Running {
			return 1
		}
		return 0
	})

	// Sound
	m.counter("sound_played_total", "Alarm sounds played", func() float64 { return float64(m.playerStats().Played) })
	m.counter("sound_failed_total", "Alarm sounds that failed to play", func() float64 { return float64(m.playerStats().Failed) })
	m.counter("sound_skipped_busy_total", "Alarm sounds skipped because playback was busy", func() float64 { return float64(m.playerStats().Busy) })
	m.counter("sound_skipped_disabled_total", "Alarm sounds skipped because sound is disabled", func() float64 { return float64(m.playerStats().Disabled) })
}

// WriteTextfile writes all metrics to filename, in the Prometheus text format
func (m *Metrics) WriteTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, m.registry)
}
