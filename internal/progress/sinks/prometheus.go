package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// PrometheusSink exports orchestration metrics via Prometheus.
type PrometheusSink struct {
	runsStarted      prometheus.Counter
	runsCompleted    prometheus.Counter
	batchesStarted   prometheus.Counter
	groupsActive     prometheus.Gauge
	groupsCompleted  *prometheus.CounterVec
	groupDuration    *prometheus.HistogramVec
	messagesTotal    prometheus.Counter
	fallbackAttempts *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multigroup_runs_started_total",
			Help: "Manager runs started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multigroup_runs_completed_total",
			Help: "Manager runs that returned results.",
		}),
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multigroup_batches_started_total",
			Help: "Batches started in limited-parallel mode.",
		}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "multigroup_groups_active",
			Help: "Groups currently extracting.",
		}),
		groupsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multigroup_groups_completed_total",
			Help: "Finalized group results partitioned by outcome.",
		}, []string{"outcome"}),
		groupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "multigroup_group_duration_seconds",
			Help:    "Wall time per group partitioned by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multigroup_messages_total",
			Help: "Messages extracted or recovered.",
		}),
		fallbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multigroup_fallback_attempts_total",
			Help: "Remote fallback attempts partitioned by result.",
		}, []string{"result"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.batchesStarted,
		s.groupsActive,
		s.groupsCompleted,
		s.groupDuration,
		s.messagesTotal,
		s.fallbackAttempts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.Inc()
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
	case progress.StageGroupStart:
		s.groupsActive.Inc()
	case progress.StageGroupDone, progress.StageGroupError, progress.StageGroupCancelled:
		s.groupsActive.Dec()
		outcome := string(evt.Outcome)
		if outcome == "" {
			outcome = "unknown"
		}
		s.groupsCompleted.WithLabelValues(outcome).Inc()
		if evt.Dur > 0 {
			s.groupDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
		}
		if evt.Messages > 0 {
			s.messagesTotal.Add(float64(evt.Messages))
		}
	case progress.StageFallback:
		result := "failed"
		if evt.Outcome == scraper.OutcomeRecoveredByFallback {
			result = "recovered"
		}
		s.fallbackAttempts.WithLabelValues(result).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
