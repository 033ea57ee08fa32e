package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column. SQLite stores it as text,
// which is what the queue tests run against.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Run status values stored in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunRecord is one pipeline run. The row is written once when the run
// starts and upserted with the terminal fields when it completes; the
// final state snapshot rides along as jsonb.
type RunRecord struct {
	ID             uuid.UUID  `db:"id"`
	RunID          string     `db:"run_id"`
	Query          string     `db:"query"`
	Status         string     `db:"status"`
	Success        bool       `db:"success"`
	Confidence     string     `db:"confidence"`
	FinalSynthesis *string    `db:"final_synthesis"`
	ReviewRequired bool       `db:"review_required"`
	ReviewReason   string     `db:"review_reason"`
	ErrorCount     int        `db:"error_count"`
	DegradedCount  int        `db:"degraded_count"`
	AgentCalls     int        `db:"agent_calls"`
	Snapshot       JSONB      `db:"snapshot"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	DurationMs     *int64     `db:"duration_ms"`
	CreatedAt      time.Time  `db:"created_at"`
}

// AgentCallRecord is one resolved coordinator call: an agent invocation
// after retries, backup, and default substitution have run their course.
type AgentCallRecord struct {
	ID           uuid.UUID `db:"id"`
	RunID        string    `db:"run_id"`
	Agent        string    `db:"agent"`
	Phase        string    `db:"phase"`
	Status       string    `db:"status"`   // recovered | degraded | fatal
	Strategy     string    `db:"strategy"` // "" | retry | backup | default
	Attempts     int       `db:"attempts"`
	DurationMs   int64     `db:"duration_ms"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// ToolAuditRecord is one tool invocation the reasoning service reported,
// as seen by the audit hook chain.
type ToolAuditRecord struct {
	ID           uuid.UUID `db:"id"`
	RunID        string    `db:"run_id"`
	Agent        string    `db:"agent"`
	Tool         string    `db:"tool"`
	Allowed      bool      `db:"allowed"`
	Reason       string    `db:"reason"`
	Input        JSONB     `db:"input"`
	DurationMs   int64     `db:"duration_ms"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// ReviewRecord is one human review outcome, written when the broker
// resolves (or times out) a pending review.
type ReviewRecord struct {
	ID          uuid.UUID  `db:"id"`
	RunID       string     `db:"run_id"`
	ReviewID    string     `db:"review_id"`
	Urgency     string     `db:"urgency"`
	Completed   bool       `db:"completed"`
	HumanInput  string     `db:"human_input"`
	NextSteps   string     `db:"next_steps"`
	RequestedAt time.Time  `db:"requested_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// RunFilter provides filtering options for run queries
type RunFilter struct {
	Status    *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// RunStats is an aggregate over the runs table.
type RunStats struct {
	TotalRuns     int     `db:"total_runs"`
	Completed     int     `db:"completed"`
	Failed        int     `db:"failed"`
	AvgDurationMs float64 `db:"avg_duration_ms"`
}
