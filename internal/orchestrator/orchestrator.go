package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/decider"
	"github.com/seongjin71/hankook-logistics-agent/internal/metrics"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
)

// Orchestrator sequences Analyzer -> Scorer -> Decider for each qualifying
// anomaly. Pipeline runs are fire-and-forget: a failed stage aborts that run
// only, and a bounded worker pool keeps concurrent runs off the bus loop.
type Orchestrator struct {
	bus      *bus.Bus
	analyzer *analyzer.Analyzer
	scorer   *scorer.Scorer
	decider  *decider.Decider
	log      *slog.Logger
	workers  chan struct{}
}

func New(b *bus.Bus, a *analyzer.Analyzer, s *scorer.Scorer, d *decider.Decider, workers int, log *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		bus:      b,
		analyzer: a,
		scorer:   s,
		decider:  d,
		log:      log,
		workers:  make(chan struct{}, workers),
	}
}

// Start subscribes to anomaly.detected. Call before bus.Start.
func (o *Orchestrator) Start(ctx context.Context) {
	o.bus.Subscribe(contracts.TopicAnomalyDetected, o.onAnomaly)
	o.log.Info("orchestrator started", "workers", cap(o.workers))
}

func (o *Orchestrator) onAnomaly(ctx context.Context, _ string, payload json.RawMessage) {
	var ev contracts.AnomalyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.log.Warn("bad anomaly.detected payload", "err", err)
		return
	}

	// Only the monitor and explicit manual triggers start a pipeline.
	if ev.Source != contracts.SourceMonitor && ev.Source != contracts.SourceManual {
		return
	}

	select {
	case o.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-o.workers }()
		o.runPipeline(ctx, ev)
	}()
}

// RunPipeline executes one full pipeline synchronously. Exposed for manual
// triggers that want the result inline.
func (o *Orchestrator) RunPipeline(ctx context.Context, ev contracts.AnomalyEvent) (PipelineResult, error) {
	return o.run(ctx, ev)
}

func (o *Orchestrator) runPipeline(ctx context.Context, ev contracts.AnomalyEvent) {
	if _, err := o.run(ctx, ev); err != nil {
		metrics.PipelineFailures.Inc()
		o.log.Error("pipeline aborted", "type", ev.Type, "err", err)
	}
}

// PipelineResult carries the outputs of each stage of one run.
type PipelineResult struct {
	EventType string             `json:"event_type"`
	Analysis  analyzer.Analysis  `json:"analysis"`
	Priority  scorer.Result      `json:"priority_result"`
	Decisions []decider.Decision `json:"decisions"`
}

func (o *Orchestrator) run(ctx context.Context, ev contracts.AnomalyEvent) (PipelineResult, error) {
	metrics.PipelineRuns.Inc()
	start := time.Now()
	o.log.Info("pipeline started", "type", ev.Type, "source", ev.Source, "event_id", ev.EventID)

	analysis, err := o.analyzer.Analyze(ctx, ev, ev.EventID)
	if err != nil {
		return PipelineResult{}, err
	}

	priority, err := o.scorer.Recalculate(ctx, scorer.Request{
		EventType:      ev.Type,
		AffectedOrders: analysis.AffectedOrders,
		ParentID:       ev.EventID,
	})
	if err != nil {
		return PipelineResult{}, err
	}

	decisions, err := o.decider.Decide(ctx, analysis, priority, ev.EventID)
	if err != nil {
		return PipelineResult{}, err
	}

	elapsed := time.Since(start)
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	o.log.Info("pipeline complete", "type", ev.Type, "elapsed", elapsed,
		"changed", priority.ChangedCount, "decisions", len(decisions))

	return PipelineResult{
		EventType: ev.Type,
		Analysis:  analysis,
		Priority:  priority,
		Decisions: decisions,
	}, nil
}
