package decider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     bool
}

func (e *recordingExecutor) Execute(_ context.Context, actionType string, _ scorer.Result) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, errors.New("execution backend down")
	}
	e.executed = append(e.executed, actionType)
	return map[string]any{"done": true}, nil
}

func (e *recordingExecutor) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.executed))
	copy(out, e.executed)
	return out
}

func TestModeThresholds(t *testing.T) {
	tests := []struct {
		action     string
		confidence float64
		want       contracts.ExecutionMode
	}{
		{analyzer.ActionResequencePicking, 0.90, contracts.ModeAuto},
		{analyzer.ActionResequencePicking, 0.85, contracts.ModeAuto},
		{analyzer.ActionResequencePicking, 0.70, contracts.ModePendingApproval},
		{analyzer.ActionResequencePicking, 0.60, contracts.ModePendingApproval},
		{analyzer.ActionResequencePicking, 0.40, contracts.ModeEscalated},
		// Vehicle reassignment is never automatic.
		{analyzer.ActionReassignVehicle, 0.99, contracts.ModePendingApproval},
		{analyzer.ActionReassignVehicle, 0.40, contracts.ModeEscalated},
		// Emergency production always goes to a human.
		{analyzer.ActionEmergencyProduction, 1.0, contracts.ModeEscalated},
		// Notifications are low stakes.
		{analyzer.ActionNotifyCustomers, 0.65, contracts.ModeAuto},
		{analyzer.ActionNotifyCustomers, 0.35, contracts.ModePendingApproval},
		{analyzer.ActionMonitor, 0.55, contracts.ModeAuto},
		// Unknown actions use the default pair.
		{"untyped_action", 0.90, contracts.ModeAuto},
		{"untyped_action", 0.70, contracts.ModePendingApproval},
		{"untyped_action", 0.10, contracts.ModeEscalated},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Mode(tt.action, tt.confidence),
			"%s at %.2f", tt.action, tt.confidence)
	}
}

func analysisWith(confidence float64, actions ...string) analyzer.Analysis {
	a := analyzer.Analysis{
		EventType:  "VEHICLE_BREAKDOWN",
		Cause:      "vehicle TRK-009 reported breakdown",
		Confidence: confidence,
	}
	for _, action := range actions {
		a.RecommendedActions = append(a.RecommendedActions, analyzer.RecommendedAction{
			Action: action, Reason: "test", Priority: "HIGH",
		})
	}
	return a
}

func TestAutoActionExecutesAndAudits(t *testing.T) {
	sink := audit.NewMemorySink()
	exec := &recordingExecutor{}
	d := New(sink, exec, nil, logging.NewNop())

	decisions, err := d.Decide(context.Background(),
		analysisWith(0.92, analyzer.ActionResequencePicking), scorer.Result{}, "parent-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, contracts.ModeAuto, decisions[0].Mode)
	require.Equal(t, []string{analyzer.ActionResequencePicking}, exec.calls())

	rec, err := sink.Get(context.Background(), decisions[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, audit.RoleAction, rec.AgentRole)
	require.Equal(t, audit.PhaseAct, rec.Phase)
	require.Equal(t, contracts.ModeAuto, rec.ExecutionMode)
	require.Equal(t, contracts.SeverityInfo, rec.Severity)
	require.Equal(t, "parent-1", rec.ParentID)
}

func TestExecutionFailureAbortsPass(t *testing.T) {
	sink := audit.NewMemorySink()
	d := New(sink, &recordingExecutor{fail: true}, nil, logging.NewNop())

	_, err := d.Decide(context.Background(),
		analysisWith(0.92, analyzer.ActionResequencePicking), scorer.Result{}, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "execution backend down")
}

func TestApproveRunsDeferredExecutionOnce(t *testing.T) {
	sink := audit.NewMemorySink()
	exec := &recordingExecutor{}
	d := New(sink, exec, nil, logging.NewNop())

	decisions, err := d.Decide(context.Background(),
		analysisWith(0.70, analyzer.ActionReoptimizeRoutes), scorer.Result{}, "")
	require.NoError(t, err)
	require.Equal(t, contracts.ModePendingApproval, decisions[0].Mode)
	require.Empty(t, exec.calls())

	pending, err := d.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	outcome, err := d.Approve(context.Background(), decisions[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, "approved", outcome.Status)
	require.Equal(t, analyzer.ActionReoptimizeRoutes, outcome.ActionType)
	require.Equal(t, []string{analyzer.ActionReoptimizeRoutes}, exec.calls())

	rec, err := sink.Get(context.Background(), decisions[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, contracts.ModeHumanApproved, rec.ExecutionMode)
	require.Contains(t, rec.ActionSummary, "approved by operator")

	// A second approval of the same record is a structured conflict.
	_, err = d.Approve(context.Background(), decisions[0].RecordID)
	require.ErrorIs(t, err, audit.ErrNotPending)
	require.Len(t, exec.calls(), 1)

	pending, err = d.Pending(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRejectEscalatesWithReason(t *testing.T) {
	sink := audit.NewMemorySink()
	exec := &recordingExecutor{}
	d := New(sink, exec, nil, logging.NewNop())

	decisions, err := d.Decide(context.Background(),
		analysisWith(0.70, analyzer.ActionTransferStock), scorer.Result{}, "")
	require.NoError(t, err)

	outcome, err := d.Reject(context.Background(), decisions[0].RecordID, "stock already in transit")
	require.NoError(t, err)
	require.Equal(t, "rejected", outcome.Status)
	require.Empty(t, exec.calls())

	rec, err := sink.Get(context.Background(), decisions[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, contracts.ModeEscalated, rec.ExecutionMode)
	require.Contains(t, rec.ActionSummary, "rejected by operator: stock already in transit")
	require.Equal(t, true, rec.Payload["rejected"])
	require.Equal(t, "stock already in transit", rec.Payload["reject_reason"])

	// Rejected records cannot be approved afterwards.
	_, err = d.Approve(context.Background(), decisions[0].RecordID)
	require.ErrorIs(t, err, audit.ErrNotPending)
}

func TestResolveUnknownRecord(t *testing.T) {
	d := New(audit.NewMemorySink(), &recordingExecutor{}, nil, logging.NewNop())

	_, err := d.Approve(context.Background(), "no-such-id")
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = d.Reject(context.Background(), "no-such-id", "n/a")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestEscalatedActionNeverExecutes(t *testing.T) {
	sink := audit.NewMemorySink()
	exec := &recordingExecutor{}
	d := New(sink, exec, nil, logging.NewNop())

	decisions, err := d.Decide(context.Background(),
		analysisWith(0.95, analyzer.ActionEmergencyProduction), scorer.Result{}, "")
	require.NoError(t, err)
	require.Equal(t, contracts.ModeEscalated, decisions[0].Mode)
	require.Empty(t, exec.calls())

	// Escalated records are not pending and cannot be approved.
	pending, err := d.Pending(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
	_, err = d.Approve(context.Background(), decisions[0].RecordID)
	require.ErrorIs(t, err, audit.ErrNotPending)
}
