// Package metrics exposes prometheus collectors for the palm pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline provides observability for decoder sessions. It implements
// decoder.Recorder.
type Pipeline struct {
	// Frame detection latency by mode and outcome
	FrameLatency *prometheus.HistogramVec

	// Frames replaced in the mailbox before the lane picked them up
	FramesDropped prometheus.Counter

	// Events delivered to subscribers by kind
	Events *prometheus.CounterVec

	// Match attempt outcomes
	MatchDecisions *prometheus.CounterVec

	TemplatesEnrolled prometheus.Counter
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		FrameLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "palmid_frame_duration_seconds",
			Help:    "Duration of palm detection and routing for one frame",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"mode", "outcome"}), // outcome: "palm", "no_palm"

		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "palmid_frames_dropped_total",
			Help: "Frames superseded by a newer frame before processing",
		}),

		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "palmid_events_total",
			Help: "Decoder events delivered by kind",
		}, []string{"kind"}),

		MatchDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "palmid_match_decisions_total",
			Help: "Completed match attempts by result",
		}, []string{"result"}),

		TemplatesEnrolled: f.NewCounter(prometheus.CounterOpts{
			Name: "palmid_templates_enrolled_total",
			Help: "Templates completed by the enrollment builder",
		}),
	}
}

// FrameProcessed records one processed frame.
func (m *Pipeline) FrameProcessed(mode string, detected bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "no_palm"
	if detected {
		outcome = "palm"
	}
	m.FrameLatency.WithLabelValues(mode, outcome).Observe(elapsed.Seconds())
}

func (m *Pipeline) FrameDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Pipeline) EventEmitted(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

// MatchDecided records an attempt result.
func (m *Pipeline) MatchDecided(matched bool) {
	if m == nil {
		return
	}
	result := "no_match"
	if matched {
		result = "match"
	}
	m.MatchDecisions.WithLabelValues(result).Inc()
}

func (m *Pipeline) TemplateEnrolled() {
	if m != nil {
		m.TemplatesEnrolled.Inc()
	}
}
