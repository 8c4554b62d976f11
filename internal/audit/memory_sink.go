package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

// MemorySink keeps the audit trail in process memory. Used when no database
// is configured, and by tests.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]Record)}
}

func (s *MemorySink) Log(_ context.Context, e Entry) (Record, error) {
	rec := Record{
		Entry:     e,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec, nil
}

func (s *MemorySink) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemorySink) ListPending(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, id := range s.order {
		if rec := s.records[id]; rec.ExecutionMode == contracts.ModePendingApproval {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemorySink) Resolve(_ context.Context, id string, to contracts.ExecutionMode, suffix string, patch map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ExecutionMode != contracts.ModePendingApproval {
		return Record{}, ErrNotPending
	}

	rec.ExecutionMode = to
	if suffix != "" {
		rec.ActionSummary += suffix
	}
	if len(patch) > 0 {
		merged := make(map[string]any, len(rec.Payload)+len(patch))
		for k, v := range rec.Payload {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		rec.Payload = merged
	}
	s.records[id] = rec
	return rec, nil
}

// All returns every record in insertion order. Diagnostic helper.
func (s *MemorySink) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}
