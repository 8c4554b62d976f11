package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

const systemPrompt = `You are a logistics operations expert for a tire shipping network.
Analyze the reported anomaly and answer with ONLY a JSON object of this shape:
{
  "cause": "estimated cause, 2-3 sentences",
  "impact_summary": "blast radius summary, 2-3 sentences",
  "affected_order_count": <number>,
  "affected_warehouses": ["WH-001", ...],
  "recommended_actions": [{"action": "<action id>", "reason": "...", "priority": "HIGH|MEDIUM|LOW"}],
  "severity_assessment": "CRITICAL|WARNING|INFO",
  "confidence": <0.0-1.0>
}`

// RecommendedAction is one remediation candidate.
type RecommendedAction struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

// Analysis is the cause/impact/action structure produced for an anomaly.
type Analysis struct {
	EventType          string              `json:"event_type"`
	Cause              string              `json:"cause"`
	ImpactSummary      string              `json:"impact_summary"`
	AffectedOrderCount int                 `json:"affected_order_count"`
	AffectedWarehouses []string            `json:"affected_warehouses"`
	RecommendedActions []RecommendedAction `json:"recommended_actions"`
	SeverityAssessment string              `json:"severity_assessment"`
	Confidence         float64             `json:"confidence"`
	AffectedOrders     []string            `json:"affected_orders"`
	FromFallback       bool                `json:"from_fallback"`
}

// AffectedOrder is one high-priority open order included in the context
// bundle handed to the reasoning provider.
type AffectedOrder struct {
	OrderCode string  `json:"order_code"`
	Customer  string  `json:"customer"`
	Tier      string  `json:"tier"`
	Priority  float64 `json:"priority"`
	Status    string  `json:"status"`
}

// ContextBundle is the freshly pulled operational context for one analysis.
type ContextBundle struct {
	PendingOrders     int                `json:"pending_orders"`
	OrdersLastHour    int                `json:"orders_last_hour"`
	LowStockCount     int                `json:"low_stock_count"`
	AvailableVehicles int                `json:"available_vehicles"`
	TotalVehicles     int                `json:"total_vehicles"`
	BreakdownVehicles int                `json:"breakdown_vehicles"`
	DockOccupancy     map[string]float64 `json:"dock_occupancy"`
	WarehouseCodes    []string           `json:"warehouse_codes"`
	AffectedOrders    []AffectedOrder    `json:"affected_orders"`
}

// ContextSource pulls the context bundle from the system of record.
type ContextSource interface {
	CollectContext(ctx context.Context) (ContextBundle, error)
}

// Analyzer turns a raw anomaly into a cause/impact/action-candidate analysis,
// preferring the reasoning provider and falling back to fixed templates.
type Analyzer struct {
	provider Provider // nil means always use templates
	source   ContextSource
	sink     audit.Sink
	timeout  time.Duration
	log      *slog.Logger
}

func New(provider Provider, source ContextSource, sink audit.Sink, timeout time.Duration, log *slog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{provider: provider, source: source, sink: sink, timeout: timeout, log: log}
}

// Analyze produces the analysis for one anomaly and records it as an
// ANOMALY/ORIENT audit entry chained to parentID. Only an audit failure is
// an error; provider trouble of any kind degrades to the template.
func (a *Analyzer) Analyze(ctx context.Context, ev contracts.AnomalyEvent, parentID string) (Analysis, error) {
	start := time.Now()

	bundle, err := a.source.CollectContext(ctx)
	if err != nil {
		// Analysis can proceed on an empty bundle; templates only lose detail.
		a.log.Warn("context collection failed", "err", err)
		bundle = ContextBundle{}
	}

	analysis, ok := a.tryProvider(ctx, ev, bundle)
	if !ok {
		analysis = templateFor(ev.Type, bundle)
		analysis.FromFallback = true
		a.log.Info("using template analysis", "type", ev.Type)
	}

	if len(analysis.RecommendedActions) == 0 {
		analysis.RecommendedActions = []RecommendedAction{
			{Action: ActionMonitor, Reason: "no concrete remediation available", Priority: "MEDIUM"},
		}
	}
	analysis.EventType = ev.Type
	if analysis.AffectedOrderCount == 0 {
		analysis.AffectedOrderCount = len(bundle.AffectedOrders)
	}
	if len(analysis.AffectedWarehouses) == 0 {
		analysis.AffectedWarehouses = bundle.WarehouseCodes
	}
	for _, o := range bundle.AffectedOrders {
		analysis.AffectedOrders = append(analysis.AffectedOrders, o.OrderCode)
	}

	confidence := analysis.Confidence
	_, err = a.sink.Log(ctx, audit.Entry{
		AgentRole:   audit.RoleAnomaly,
		Phase:       audit.PhaseOrient,
		EventType:   ev.Type,
		Severity:    severityOf(analysis.SeverityAssessment),
		Title:       "Cause analysis complete: " + ev.Type,
		Description: analysis.ImpactSummary,
		Payload: map[string]any{
			"anomaly_event": ev,
			"analysis":      analysis,
		},
		Reasoning:  analysis.Cause,
		Confidence: &confidence,
		ParentID:   parentID,
		Duration:   time.Since(start),
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("record analysis: %w", err)
	}

	a.log.Info("analysis complete",
		"type", ev.Type,
		"confidence", analysis.Confidence,
		"fallback", analysis.FromFallback,
		"elapsed", time.Since(start))
	return analysis, nil
}

// tryProvider asks the reasoning provider under a hard timeout. Any failure
// mode (unreachable, timeout, malformed JSON, out-of-range confidence) means
// not-ok.
func (a *Analyzer) tryProvider(ctx context.Context, ev contracts.AnomalyEvent, bundle ContextBundle) (Analysis, bool) {
	if a.provider == nil {
		return Analysis{}, false
	}

	payload, _ := json.Marshal(ev.Payload)
	env, _ := json.Marshal(bundle)
	user := fmt.Sprintf(
		"Analyze this logistics anomaly.\n\n## Anomaly\n- type: %s\n- severity: %s\n- detail: %s\n\n## Current system state\n%s\n\nAnswer with JSON only.",
		ev.Type, ev.Severity, payload, env)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.provider.Complete(callCtx, systemPrompt, user)
	if err != nil {
		a.log.Warn("reasoning provider failed", "type", ev.Type, "err", err)
		return Analysis{}, false
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		a.log.Warn("reasoning response rejected", "type", ev.Type, "err", err)
		return Analysis{}, false
	}
	return analysis, true
}

// parseAnalysis decodes and validates the provider response. Models sometimes
// wrap JSON in a code fence; the braces are extracted first.
func parseAnalysis(text string) (Analysis, error) {
	cleaned := strings.TrimSpace(text)
	if i := strings.Index(cleaned, "{"); i >= 0 {
		if j := strings.LastIndex(cleaned, "}"); j > i {
			cleaned = cleaned[i : j+1]
		}
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(cleaned), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	if analysis.Cause == "" || analysis.ImpactSummary == "" {
		return Analysis{}, fmt.Errorf("analysis missing cause or impact")
	}
	if analysis.Confidence < 0 || analysis.Confidence > 1 {
		return Analysis{}, fmt.Errorf("confidence %v out of range", analysis.Confidence)
	}
	switch analysis.SeverityAssessment {
	case "CRITICAL", "WARNING", "INFO":
	default:
		return Analysis{}, fmt.Errorf("unknown severity %q", analysis.SeverityAssessment)
	}
	return analysis, nil
}

func severityOf(s string) contracts.Severity {
	switch s {
	case "CRITICAL":
		return contracts.SeverityCritical
	case "INFO":
		return contracts.SeverityInfo
	default:
		return contracts.SeverityWarning
	}
}
