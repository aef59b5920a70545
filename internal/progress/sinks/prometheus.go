package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/archivebot/internal/progress"
)

// PrometheusSink turns archive events into counters and histograms.
type PrometheusSink struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
	upstream  *prometheus.CounterVec
	skipped   prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivebot_archives_started_total",
			Help: "Archive requests started, by trigger.",
		}, []string{"trigger"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivebot_archives_completed_total",
			Help: "Archive requests finished, by result and failure kind.",
		}, []string{"result", "kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archivebot_archives_in_flight",
			Help: "Archive requests currently running.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivebot_archive_duration_seconds",
			Help:    "Wall time per archive request.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 180, 240},
		}, []string{"result"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivebot_upstream_responses_total",
			Help: "Responses from the archival and bookmarking services.",
		}, []string{"service", "code"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivebot_bookmarks_skipped_total",
			Help: "Archives that skipped bookmarking because it is not configured.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.started, s.completed, s.inFlight, s.duration, s.upstream, s.skipped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageArchiveStart:
		s.started.WithLabelValues(trigger(evt)).Inc()
		s.inFlight.Inc()
	case progress.StageWaybackDone:
		s.upstream.WithLabelValues("wayback", strconv.Itoa(evt.StatusCode)).Inc()
	case progress.StageBookmarkDone:
		s.upstream.WithLabelValues("karakeep", strconv.Itoa(evt.StatusCode)).Inc()
	case progress.StageBookmarkSkipped:
		s.skipped.Inc()
	case progress.StageArchiveDone:
		s.finish(evt, "success", "none")
	case progress.StageArchiveError:
		s.finish(evt, "failure", evt.Kind)
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result, kind string) {
	s.completed.WithLabelValues(result, kind).Inc()
	s.inFlight.Dec()
	if evt.Dur > 0 {
		s.duration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func trigger(evt progress.Event) string {
	if evt.Trigger == "" {
		return "unknown"
	}
	return evt.Trigger
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
