package decider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/metrics"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
)

// thresholds maps an action type to its (auto, approval) confidence pair.
// confidence >= auto   -> AUTO
// confidence >= approval -> PENDING_APPROVAL
// otherwise            -> ESCALATED
// A value above 1.0 makes that tier structurally unreachable.
type thresholds struct {
	auto     float64
	approval float64
}

var defaultThresholds = thresholds{auto: 0.85, approval: 0.60}

var actionThresholds = map[string]thresholds{
	analyzer.ActionResequencePicking:   {auto: 0.85, approval: 0.60},
	analyzer.ActionDeferEconomyOrders:  {auto: 0.85, approval: 0.60},
	analyzer.ActionReassignVehicle:     {auto: 1.01, approval: 0.60}, // never automatic
	analyzer.ActionReoptimizeRoutes:    {auto: 0.85, approval: 0.60},
	analyzer.ActionEmergencyProduction: {auto: 1.01, approval: 1.01}, // always escalated
	analyzer.ActionNotifyCustomers:     {auto: 0.60, approval: 0.30},
	analyzer.ActionTransferStock:       {auto: 1.01, approval: 0.60}, // never automatic
	analyzer.ActionPartialShipment:     {auto: 0.85, approval: 0.60},
	analyzer.ActionRebalanceDocks:      {auto: 0.85, approval: 0.60},
	analyzer.ActionMonitor:             {auto: 0.50, approval: 0.30},
}

// Mode returns the execution mode for an action type at a given confidence.
// It is a pure function of its inputs.
func Mode(actionType string, confidence float64) contracts.ExecutionMode {
	th, ok := actionThresholds[actionType]
	if !ok {
		th = defaultThresholds
	}
	switch {
	case confidence >= th.auto:
		return contracts.ModeAuto
	case confidence >= th.approval:
		return contracts.ModePendingApproval
	default:
		return contracts.ModeEscalated
	}
}

// Executor applies an approved or automatic action to the domain state.
type Executor interface {
	Execute(ctx context.Context, actionType string, priorityResult scorer.Result) (map[string]any, error)
}

// Decision is the outcome for one recommended action.
type Decision struct {
	RecordID   string                  `json:"record_id"`
	ActionType string                  `json:"action_type"`
	Reason     string                  `json:"reason"`
	Mode       contracts.ExecutionMode `json:"execution_mode"`
	Confidence float64                 `json:"confidence"`
	Summary    string                  `json:"summary"`
	Detail     map[string]any          `json:"detail,omitempty"`
}

// Outcome is the structured result of an approval or rejection request.
type Outcome struct {
	RecordID   string         `json:"record_id"`
	Status     string         `json:"status"`
	ActionType string         `json:"action_type,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type pendingAction struct {
	actionType     string
	priorityResult scorer.Result
}

// Decider maps recommended actions to execution modes and runs the bounded
// approval state machine over the resulting audit records.
type Decider struct {
	sink audit.Sink
	exec Executor
	bus  *bus.Bus
	log  *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingAction
}

func New(sink audit.Sink, exec Executor, b *bus.Bus, log *slog.Logger) *Decider {
	return &Decider{
		sink:    sink,
		exec:    exec,
		bus:     b,
		log:     log,
		pending: make(map[string]pendingAction),
	}
}

// Decide processes every recommended action of one analysis. AUTO actions
// execute synchronously; the others wait for a human. An audit failure aborts
// the remainder of the pass.
func (d *Decider) Decide(ctx context.Context, analysis analyzer.Analysis, priorityResult scorer.Result, parentID string) ([]Decision, error) {
	recommended := analysis.RecommendedActions
	if len(recommended) == 0 {
		recommended = []analyzer.RecommendedAction{
			{Action: analyzer.ActionMonitor, Reason: "no remediation candidates", Priority: "LOW"},
		}
	}

	decisions := make([]Decision, 0, len(recommended))
	for _, rec := range recommended {
		mode := Mode(rec.Action, analysis.Confidence)
		metrics.ActionsDecided.WithLabelValues(string(mode)).Inc()

		decision := Decision{
			ActionType: rec.Action,
			Reason:     rec.Reason,
			Mode:       mode,
			Confidence: analysis.Confidence,
		}

		switch mode {
		case contracts.ModeAuto:
			detail, err := d.exec.Execute(ctx, rec.Action, priorityResult)
			if err != nil {
				return decisions, fmt.Errorf("execute %s: %w", rec.Action, err)
			}
			decision.Detail = detail
			decision.Summary = rec.Action + " executed automatically"
		case contracts.ModePendingApproval:
			decision.Summary = rec.Action + " awaiting approval"
		case contracts.ModeEscalated:
			decision.Summary = rec.Action + " escalated for human judgment"
		}

		severity := contracts.SeverityWarning
		if mode == contracts.ModeAuto {
			severity = contracts.SeverityInfo
		}
		confidence := analysis.Confidence
		rec2, err := d.sink.Log(ctx, audit.Entry{
			AgentRole:   audit.RoleAction,
			Phase:       audit.PhaseAct,
			EventType:   analysis.EventType,
			Severity:    severity,
			Title:       decision.Summary,
			Description: fmt.Sprintf("action: %s | reason: %s | mode: %s", rec.Action, rec.Reason, mode),
			Payload: map[string]any{
				"action_type": rec.Action,
				"reason":      rec.Reason,
				"confidence":  analysis.Confidence,
				"detail":      decision.Detail,
			},
			Confidence:    &confidence,
			ActionSummary: decision.Summary,
			ExecutionMode: mode,
			ParentID:      parentID,
		})
		if err != nil {
			return decisions, fmt.Errorf("record decision: %w", err)
		}
		decision.RecordID = rec2.ID

		if mode == contracts.ModePendingApproval {
			d.mu.Lock()
			d.pending[rec2.ID] = pendingAction{actionType: rec.Action, priorityResult: priorityResult}
			d.mu.Unlock()
		}

		d.publishDisposition(ctx, mode, decision)
		d.log.Info("action decided",
			"action", rec.Action, "mode", mode, "confidence", analysis.Confidence)
		decisions = append(decisions, decision)
	}

	return decisions, nil
}

func (d *Decider) publishDisposition(ctx context.Context, mode contracts.ExecutionMode, decision Decision) {
	if d.bus == nil {
		return
	}
	topic := contracts.TopicActionRequested
	if mode == contracts.ModeAuto {
		topic = contracts.TopicActionExecuted
	}
	if err := d.bus.Publish(ctx, topic, decision); err != nil {
		d.log.Warn("publish action disposition", "err", err)
	}
}

// Pending lists the audit records still awaiting approval.
func (d *Decider) Pending(ctx context.Context) ([]audit.Record, error) {
	return d.sink.ListPending(ctx)
}

// Approve transitions a PENDING_APPROVAL record to HUMAN_APPROVED and runs
// the deferred execution. A record in any other mode yields audit.ErrNotPending;
// an unknown id yields audit.ErrNotFound.
func (d *Decider) Approve(ctx context.Context, recordID string) (Outcome, error) {
	rec, err := d.sink.Resolve(ctx, recordID, contracts.ModeHumanApproved,
		" -> approved by operator", map[string]any{"approved_at": time.Now().UTC()})
	if err != nil {
		return Outcome{}, err
	}

	d.mu.Lock()
	pa, ok := d.pending[recordID]
	delete(d.pending, recordID)
	d.mu.Unlock()

	outcome := Outcome{RecordID: recordID, Status: "approved", ActionType: pa.actionType}
	if outcome.ActionType == "" {
		// Restart dropped the in-memory pending map; fall back to the record.
		if t, ok2 := rec.Payload["action_type"].(string); ok2 {
			outcome.ActionType = t
		}
	}

	if ok || outcome.ActionType != "" {
		detail, err := d.exec.Execute(ctx, outcome.ActionType, pa.priorityResult)
		if err != nil {
			d.log.Error("deferred execution failed", "record", recordID, "err", err)
			outcome.Detail = map[string]any{"error": err.Error()}
		} else {
			outcome.Detail = detail
		}
		d.publishDisposition(ctx, contracts.ModeAuto, Decision{
			RecordID:   recordID,
			ActionType: outcome.ActionType,
			Mode:       contracts.ModeHumanApproved,
			Summary:    outcome.ActionType + " executed after approval",
			Detail:     outcome.Detail,
		})
	}

	d.log.Info("action approved", "record", recordID, "action", outcome.ActionType)
	return outcome, nil
}

// Reject transitions a PENDING_APPROVAL record to ESCALATED, annotating it
// with the operator's reason. Preconditions mirror Approve.
func (d *Decider) Reject(ctx context.Context, recordID, reason string) (Outcome, error) {
	_, err := d.sink.Resolve(ctx, recordID, contracts.ModeEscalated,
		" -> rejected by operator: "+reason,
		map[string]any{"rejected": true, "reject_reason": reason})
	if err != nil {
		return Outcome{}, err
	}

	d.mu.Lock()
	pa := d.pending[recordID]
	delete(d.pending, recordID)
	d.mu.Unlock()

	d.log.Info("action rejected", "record", recordID, "action", pa.actionType, "reason", reason)
	return Outcome{
		RecordID:   recordID,
		Status:     "rejected",
		ActionType: pa.actionType,
		Detail:     map[string]any{"reason": reason},
	}, nil
}
