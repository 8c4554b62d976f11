package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Messages published to the event bus, per topic.",
	}, []string{"topic"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_dropped_total",
		Help: "Messages dropped by the in-memory overflow policy, per topic.",
	}, []string{"topic"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_handler_failures_total",
		Help: "Handler panics recovered by the dispatch loop, per topic.",
	}, []string{"topic"})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anomalies_detected_total",
		Help: "Anomalies fired by the rule engine, per rule.",
	}, []string{"rule"})

	PipelineRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Decision pipelines started by the orchestrator.",
	})

	PipelineFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_failures_total",
		Help: "Decision pipelines aborted by a stage error.",
	})

	ActionsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actions_decided_total",
		Help: "Action decisions, per execution mode.",
	}, []string{"mode"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_duration_seconds",
		Help:    "Wall time of one full analyzer-scorer-decider run.",
		Buckets: prometheus.DefBuckets,
	})
)
