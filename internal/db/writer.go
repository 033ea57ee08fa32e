package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaveRun saves or updates a run record (idempotent by run_id). A null
// snapshot never overwrites a stored one, so a racing status write
// cannot erase the final state snapshot.
func (s *Store) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO runs (
			id, run_id, query, status, success, confidence, final_synthesis,
			review_required, review_reason, error_count, degraded_count,
			agent_calls, snapshot, started_at, completed_at, duration_ms,
			created_at
		) VALUES (
			:id, :run_id, :query, :status, :success, :confidence, :final_synthesis,
			:review_required, :review_reason, :error_count, :degraded_count,
			:agent_calls, :snapshot, :started_at, :completed_at, :duration_ms,
			:created_at
		)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			success = EXCLUDED.success,
			confidence = EXCLUDED.confidence,
			final_synthesis = EXCLUDED.final_synthesis,
			review_required = EXCLUDED.review_required,
			review_reason = EXCLUDED.review_reason,
			error_count = EXCLUDED.error_count,
			degraded_count = EXCLUDED.degraded_count,
			agent_calls = EXCLUDED.agent_calls,
			snapshot = CASE
				WHEN EXCLUDED.snapshot IS NULL THEN runs.snapshot
				ELSE EXCLUDED.snapshot
			END,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	s.logger.Debug("Run saved",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
	)
	return nil
}

// SaveAgentCall saves one resolved agent call.
func (s *Store) SaveAgentCall(ctx context.Context, call *AgentCallRecord) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO agent_calls (
			id, run_id, agent, phase, status, strategy, attempts,
			duration_ms, error_message, created_at
		) VALUES (
			:id, :run_id, :agent, :phase, :status, :strategy, :attempts,
			:duration_ms, :error_message, :created_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, call); err != nil {
		return fmt.Errorf("save agent call: %w", err)
	}
	return nil
}

// SaveToolAudit saves one tool-invocation audit row.
func (s *Store) SaveToolAudit(ctx context.Context, audit *ToolAuditRecord) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tool_audits (
			id, run_id, agent, tool, allowed, reason, input,
			duration_ms, error_message, created_at
		) VALUES (
			:id, :run_id, :agent, :tool, :allowed, :reason, :input,
			:duration_ms, :error_message, :created_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, audit); err != nil {
		return fmt.Errorf("save tool audit: %w", err)
	}
	return nil
}

// SaveReview saves one review outcome.
func (s *Store) SaveReview(ctx context.Context, review *ReviewRecord) error {
	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO reviews (
			id, run_id, review_id, urgency, completed, human_input,
			next_steps, requested_at, resolved_at, created_at
		) VALUES (
			:id, :run_id, :review_id, :urgency, :completed, :human_input,
			:next_steps, :requested_at, :resolved_at, :created_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, review); err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

// GetRun retrieves a run by run ID. A missing run returns (nil, nil).
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := s.db.Rebind(`
		SELECT id, run_id, query, status, success, confidence, final_synthesis,
			review_required, review_reason, error_count, degraded_count,
			agent_calls, snapshot, started_at, completed_at, duration_ms,
			created_at
		FROM runs
		WHERE run_id = ?`)

	var run RunRecord
	err := s.db.GetContext(ctx, &run, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `
		SELECT id, run_id, query, status, success, confidence, final_synthesis,
			review_required, review_reason, error_count, degraded_count,
			agent_calls, snapshot, started_at, completed_at, duration_ms,
			created_at
		FROM runs
		WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.StartTime != nil {
		query += " AND started_at >= ?"
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		query += " AND started_at <= ?"
		args = append(args, *filter.EndTime)
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var runs []RunRecord
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListAgentCalls retrieves the agent calls for one run in call order.
func (s *Store) ListAgentCalls(ctx context.Context, runID string) ([]AgentCallRecord, error) {
	query := s.db.Rebind(`
		SELECT id, run_id, agent, phase, status, strategy, attempts,
			duration_ms, error_message, created_at
		FROM agent_calls
		WHERE run_id = ?
		ORDER BY created_at ASC`)

	var calls []AgentCallRecord
	if err := s.db.SelectContext(ctx, &calls, query, runID); err != nil {
		return nil, fmt.Errorf("list agent calls: %w", err)
	}
	return calls, nil
}

// Stats aggregates the runs table.
func (s *Store) Stats(ctx context.Context) (*RunStats, error) {
	query := `
		SELECT
			COUNT(*) AS total_runs,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM runs`

	var stats RunStats
	if err := s.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return &stats, nil
}
