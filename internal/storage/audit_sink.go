package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

// PostgresSink persists the agent audit trail in the agent_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Log(ctx context.Context, e audit.Entry) (audit.Record, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return audit.Record{}, fmt.Errorf("marshal payload: %w", err)
	}

	rec := audit.Record{Entry: e, ID: uuid.NewString()}
	err = s.pool.QueryRow(ctx, `
        INSERT INTO agent_events
            (id, agent_role, phase, event_type, severity, title, description,
             payload, reasoning, confidence, action_summary, execution_mode, parent_id, duration_ms)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14)
        RETURNING created_at
    `,
		rec.ID, e.AgentRole, e.Phase, e.EventType, string(e.Severity), e.Title, e.Description,
		string(payload), e.Reasoning, e.Confidence, e.ActionSummary,
		nullableStr(string(e.ExecutionMode)), nullableStr(e.ParentID), e.Duration.Milliseconds(),
	).Scan(&rec.CreatedAt)
	if err != nil {
		return audit.Record{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

func (s *PostgresSink) Get(ctx context.Context, id string) (audit.Record, error) {
	rec, err := s.scanOne(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, audit.ErrNotFound
	}
	return rec, err
}

func (s *PostgresSink) ListPending(ctx context.Context) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+`
        WHERE execution_mode = $1
        ORDER BY created_at ASC
    `, string(contracts.ModePendingApproval))
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending records: %w", err)
	}
	return records, nil
}

func (s *PostgresSink) Resolve(ctx context.Context, id string, to contracts.ExecutionMode, suffix string, patch map[string]any) (audit.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return audit.Record{}, fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
        SELECT COALESCE(execution_mode, '') FROM agent_events WHERE id = $1 FOR UPDATE
    `, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Record{}, fmt.Errorf("lock audit record: %w", err)
	}
	if current != string(contracts.ModePendingApproval) {
		return audit.Record{}, audit.ErrNotPending
	}

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return audit.Record{}, fmt.Errorf("marshal patch: %w", err)
	}

	_, err = tx.Exec(ctx, `
        UPDATE agent_events
        SET execution_mode = $2,
            action_summary = action_summary || $3,
            payload = COALESCE(payload, '{}'::jsonb) || $4::jsonb
        WHERE id = $1
    `, id, string(to), suffix, string(patchJSON))
	if err != nil {
		return audit.Record{}, fmt.Errorf("update audit record: %w", err)
	}

	rec, err := s.scanOne(tx.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if err != nil {
		return audit.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return audit.Record{}, fmt.Errorf("commit resolve: %w", err)
	}
	return rec, nil
}

const selectRecord = `
    SELECT id, agent_role, phase, event_type, severity, title, description,
           COALESCE(payload, '{}'::jsonb), reasoning, confidence, action_summary,
           COALESCE(execution_mode, ''), COALESCE(parent_id, ''), duration_ms, created_at
    FROM agent_events`

func (s *PostgresSink) scanOne(row pgx.Row) (audit.Record, error) {
	var rec audit.Record
	var payloadRaw []byte
	var severity, mode string
	var durationMS int64
	if err := row.Scan(
		&rec.ID,
		&rec.AgentRole,
		&rec.Phase,
		&rec.EventType,
		&severity,
		&rec.Title,
		&rec.Description,
		&payloadRaw,
		&rec.Reasoning,
		&rec.Confidence,
		&rec.ActionSummary,
		&mode,
		&rec.ParentID,
		&durationMS,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Record{}, err
		}
		return audit.Record{}, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Severity = contracts.Severity(severity)
	rec.ExecutionMode = contracts.ExecutionMode(mode)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &rec.Payload)
	}
	return rec, nil
}
