package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/service"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// runResultResponse is the finished-run view. The full state snapshot
// rides along only when the caller asks for it.
type runResultResponse struct {
	RunID               string                  `json:"run_id"`
	Success             bool                    `json:"success"`
	Confidence          string                  `json:"confidence,omitempty"`
	FinalSynthesis      *agents.SynthesisRecord `json:"final_synthesis,omitempty"`
	HumanReviewRequired bool                    `json:"human_review_required"`
	HumanReviewReason   string                  `json:"human_review_reason,omitempty"`
	ErrorsEncountered   []session.ErrorInfo     `json:"errors_encountered,omitempty"`
	State               *session.State          `json:"state,omitempty"`
}

type runSummary struct {
	RunID       string     `json:"run_id"`
	Query       string     `json:"query"`
	Status      string     `json:"status"`
	Success     bool       `json:"success"`
	Confidence  string     `json:"confidence,omitempty"`
	ErrorCount  int        `json:"error_count"`
	AgentCalls  int        `json:"agent_calls"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
}

type agentCallView struct {
	Agent      string `json:"agent"`
	Phase      string `json:"phase"`
	Status     string `json:"status"`
	Strategy   string `json:"strategy,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleSubmit handles POST /api/v1/runs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		sendError(w, "invalid JSON: "+sanitizeErr(err.Error()), http.StatusBadRequest)
		return
	}

	info, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	w.Header().Set("X-Run-ID", info.RunID)
	writeJSON(w, http.StatusAccepted, info)
}

// handleStatus handles GET /api/v1/runs/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		sendError(w, "run ID is required", http.StatusBadRequest)
		return
	}

	info, err := s.runs.Status(r.Context(), runID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleResult handles GET /api/v1/runs/{id}/result. 409 while the run
// is still executing; ?include_state=true attaches the full state.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	res, err := s.runs.Result(r.Context(), runID)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	resp := runResultResponse{
		RunID:               runID,
		Success:             res.Success,
		Confidence:          string(res.State.OverallConfidence()),
		FinalSynthesis:      res.FinalSynthesis,
		HumanReviewRequired: res.HumanReviewRequired,
		HumanReviewReason:   res.HumanReviewReason,
		ErrorsEncountered:   res.State.ErrorsEncountered,
	}
	if strings.EqualFold(r.URL.Query().Get("include_state"), "true") {
		state := res.State
		resp.State = &state
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /api/v1/runs/{id}/cancel. The run winds down
// asynchronously and finishes as failed.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.runs.Cancel(runID); err != nil {
		s.serviceError(w, err)
		return
	}

	s.logger.Info("Cancel requested", zap.String("run_id", runID))
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID,
		"status": "canceling",
	})
}

// handleListRuns handles GET /api/v1/runs?status=&limit=&offset=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.RunFilter{Limit: 50}
	if st := q.Get("status"); st != "" {
		switch st {
		case db.RunStatusRunning, db.RunStatusCompleted, db.RunStatusFailed:
			filter.Status = &st
		default:
			sendError(w, "unknown status "+sanitizeErr(st), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	recs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	out := make([]runSummary, 0, len(recs))
	for i := range recs {
		out = append(out, summaryFromRecord(&recs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  out,
		"count": len(out),
	})
}

// handleAgentCalls handles GET /api/v1/runs/{id}/calls: the per-call
// audit trail of one run in write order.
func (s *Server) handleAgentCalls(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	calls, err := s.runs.ListAgentCalls(r.Context(), runID)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	out := make([]agentCallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, agentCallView{
			Agent:      c.Agent,
			Phase:      c.Phase,
			Status:     c.Status,
			Strategy:   c.Strategy,
			Attempts:   c.Attempts,
			DurationMs: c.DurationMs,
			Error:      c.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"calls":  out,
		"count":  len(out),
	})
}

// handleStats handles GET /api/v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.Stats(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_runs":      stats.TotalRuns,
		"completed":       stats.Completed,
		"failed":          stats.Failed,
		"avg_duration_ms": stats.AvgDurationMs,
	})
}

func summaryFromRecord(rec *db.RunRecord) runSummary {
	return runSummary{
		RunID:       rec.RunID,
		Query:       rec.Query,
		Status:      rec.Status,
		Success:     rec.Success,
		Confidence:  rec.Confidence,
		ErrorCount:  rec.ErrorCount,
		AgentCalls:  rec.AgentCalls,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		DurationMs:  rec.DurationMs,
	}
}
