package review

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/metrics"
)

var (
	ErrReviewNotFound  = errors.New("review not found")
	ErrAlreadyResolved = errors.New("review already resolved")
)

// Decision is a human's answer to a pending review.
type Decision struct {
	Approved  bool     `json:"approved"`
	Feedback  string   `json:"feedback,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

// Pending describes a review waiting on a human.
type Pending struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id"`
	Request   agents.ReviewRequest `json:"request"`
	CreatedAt time.Time            `json:"created_at"`
}

type pendingEntry struct {
	Pending
	ch       chan Decision
	resolved bool
}

// Broker parks runs that need a human decision. RequestReview registers
// the review and blocks until Resolve delivers a decision or the wait
// window lapses; the HTTP API lists pending reviews and posts decisions.
type Broker struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewBroker creates a broker with the given wait window (default 120s).
func NewBroker(timeout time.Duration, logger *zap.Logger) *Broker {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]*pendingEntry),
	}
}

// RequestReview registers a pending review and waits for a decision.
// A lapsed window returns Completed=false rather than an error so the
// pipeline can finish and surface the unreviewed synthesis.
func (b *Broker) RequestReview(ctx context.Context, runID string, req agents.ReviewRequest) (agents.ReviewResult, error) {
	entry := &pendingEntry{
		Pending: Pending{
			ID:        uuid.New().String(),
			RunID:     runID,
			Request:   req,
			CreatedAt: time.Now(),
		},
		ch: make(chan Decision, 1),
	}

	b.mu.Lock()
	b.pending[entry.ID] = entry
	b.mu.Unlock()
	defer b.remove(entry.ID)

	metrics.ReviewsRequested.WithLabelValues(req.ReviewType).Inc()
	b.logger.Info("Human review requested",
		zap.String("review_id", entry.ID),
		zap.String("run_id", runID),
		zap.String("review_type", req.ReviewType),
		zap.String("urgency", req.Urgency),
	)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case d := <-entry.ch:
		metrics.ReviewWaitDuration.Observe(time.Since(entry.CreatedAt).Seconds())
		outcome := "rejected"
		if d.Approved {
			outcome = "approved"
		}
		metrics.ReviewsResolved.WithLabelValues(outcome).Inc()
		return agents.ReviewResult{
			Completed:  true,
			ReviewID:   entry.ID,
			Approved:   d.Approved,
			HumanInput: d.Feedback,
			NextSteps:  d.NextSteps,
			Timestamp:  time.Now(),
		}, nil
	case <-timer.C:
		metrics.ReviewsResolved.WithLabelValues("timeout").Inc()
		b.logger.Warn("Human review timed out",
			zap.String("review_id", entry.ID),
			zap.String("run_id", runID),
			zap.Duration("waited", b.timeout),
		)
		return agents.ReviewResult{
			Completed: false,
			ReviewID:  entry.ID,
			Timestamp: time.Now(),
		}, nil
	case <-ctx.Done():
		return agents.ReviewResult{}, ctx.Err()
	}
}

// Resolve delivers a human decision to the waiting run.
func (b *Broker) Resolve(reviewID string, d Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[reviewID]
	if !ok {
		return ErrReviewNotFound
	}
	if entry.resolved {
		return ErrAlreadyResolved
	}
	entry.resolved = true
	entry.ch <- d
	return nil
}

// PendingReviews lists reviews still waiting on a decision.
func (b *Broker) PendingReviews() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for _, entry := range b.pending {
		if !entry.resolved {
			out = append(out, entry.Pending)
		}
	}
	return out
}

func (b *Broker) remove(reviewID string) {
	b.mu.Lock()
	delete(b.pending, reviewID)
	b.mu.Unlock()
}
