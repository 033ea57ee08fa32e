package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/auth"
	"github.com/lanish19/ravint22-sub000/internal/review"
)

type pendingReviewView struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ReviewType string    `json:"review_type"`
	Urgency    string    `json:"urgency"`
	Confidence string    `json:"confidence,omitempty"`
	Questions  []string  `json:"questions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// reviewDecisionRequest is the expected payload for review decisions.
type reviewDecisionRequest struct {
	Approved  bool     `json:"approved"`
	Feedback  string   `json:"feedback,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

// handleListReviews handles GET /api/v1/reviews: reviews waiting on a
// human decision.
func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	pending := s.runs.PendingReviews()

	out := make([]pendingReviewView, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingReviewView{
			ID:         p.ID,
			RunID:      p.RunID,
			ReviewType: p.Request.ReviewType,
			Urgency:    p.Request.Urgency,
			Confidence: string(p.Request.Confidence),
			Questions:  p.Request.Questions,
			CreatedAt:  p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": out,
		"count":   len(out),
	})
}

// handleReviewDecision handles POST /api/v1/reviews/{id}/decision. The
// waiting run resumes with the decision; an unknown or already-resolved
// review is the caller's race to lose.
func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	reviewID := r.PathValue("id")
	if reviewID == "" {
		sendError(w, "review ID is required", http.StatusBadRequest)
		return
	}

	var req reviewDecisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		sendError(w, "invalid JSON: "+sanitizeErr(err.Error()), http.StatusBadRequest)
		return
	}

	// Fall back to the authenticated identity when the payload leaves
	// decided_by blank.
	if req.DecidedBy == "" {
		if userCtx, err := auth.GetUserContext(r.Context()); err == nil {
			req.DecidedBy = userCtx.Username
		}
	}

	err := s.runs.ResolveReview(reviewID, review.Decision{
		Approved:  req.Approved,
		Feedback:  req.Feedback,
		NextSteps: req.NextSteps,
		DecidedBy: req.DecidedBy,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.logger.Info("Review decision submitted",
		zap.String("review_id", reviewID),
		zap.Bool("approved", req.Approved),
		zap.String("decided_by", req.DecidedBy),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"review_id": reviewID,
		"status":    "resolved",
		"approved":  req.Approved,
	})
}
