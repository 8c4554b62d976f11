package audit

import (
	"context"
	"errors"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

// Agent roles and pipeline phases recorded with every entry.
const (
	RoleMonitor  = "MONITOR"
	RoleAnomaly  = "ANOMALY"
	RolePriority = "PRIORITY"
	RoleAction   = "ACTION"

	PhaseObserve = "OBSERVE"
	PhaseOrient  = "ORIENT"
	PhaseDecide  = "DECIDE"
	PhaseAct     = "ACT"
)

var (
	// ErrNotFound means no record exists for the given id.
	ErrNotFound = errors.New("audit record not found")
	// ErrNotPending means a resolution was attempted on a record that is not
	// in PENDING_APPROVAL.
	ErrNotPending = errors.New("audit record is not pending approval")
)

// Entry is the caller-supplied part of an audit record.
type Entry struct {
	AgentRole     string                 `json:"agent_role"`
	Phase         string                 `json:"phase"`
	EventType     string                 `json:"event_type"`
	Severity      contracts.Severity     `json:"severity"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Payload       map[string]any         `json:"payload,omitempty"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty"`
	ActionSummary string                 `json:"action_summary,omitempty"`
	ExecutionMode contracts.ExecutionMode `json:"execution_mode,omitempty"`
	ParentID      string                 `json:"parent_id,omitempty"`
	Duration      time.Duration          `json:"duration,omitempty"`
}

// Record is one append-only audit row. Only the execution mode and action
// summary may change later, when an approval or rejection resolves it.
type Record struct {
	Entry
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink persists the audit trail of every pipeline stage. A Log failure aborts
// the stage that produced the entry.
type Sink interface {
	// Log appends one entry and returns the stored record.
	Log(ctx context.Context, e Entry) (Record, error)
	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// ListPending returns records still awaiting approval, oldest first.
	ListPending(ctx context.Context) ([]Record, error)
	// Resolve transitions a PENDING_APPROVAL record to a terminal mode,
	// appending suffix to the action summary and patch to the payload. Any
	// other current mode yields ErrNotPending.
	Resolve(ctx context.Context, id string, to contracts.ExecutionMode, suffix string, patch map[string]any) (Record, error)
}
