package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// reviews command flags
	reviewFeedback  string
	reviewNextSteps []string
	reviewDecidedBy string
)

func init() {
	reviewsCmd.AddCommand(reviewsApproveCmd)
	reviewsCmd.AddCommand(reviewsRejectCmd)

	for _, c := range []*cobra.Command{reviewsApproveCmd, reviewsRejectCmd} {
		c.Flags().StringVar(&reviewFeedback, "feedback", "", "Feedback passed back into the run")
		c.Flags().StringSliceVar(&reviewNextSteps, "next-steps", nil, "Suggested next steps (repeatable)")
		c.Flags().StringVar(&reviewDecidedBy, "by", "", "Reviewer identity recorded with the decision")
	}
}

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List and resolve pending human reviews",
	Long: `List runs waiting on a human decision, and approve or reject them.

Examples:
  # Pending reviews
  ravint reviews

  # Approve with feedback
  ravint reviews approve rv-9f2c --feedback "Sound analysis" --by analyst1

  # Reject and steer the follow-up
  ravint reviews reject rv-9f2c --feedback "Counter-evidence is stronger" \
    --next-steps "re-run with narrower scope"`,
	RunE: runReviewsList,
}

var reviewsApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideReview(args[0], true)
	},
}

var reviewsRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideReview(args[0], false)
	},
}

// reviewListView matches the pending review response of internal/httpapi.
type reviewListView struct {
	Reviews []reviewView `json:"reviews"`
	Count   int          `json:"count"`
}

type reviewView struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ReviewType string    `json:"review_type"`
	Urgency    string    `json:"urgency"`
	Confidence string    `json:"confidence"`
	Questions  []string  `json:"questions"`
	CreatedAt  time.Time `json:"created_at"`
}

type decisionRequest struct {
	Approved  bool     `json:"approved"`
	Feedback  string   `json:"feedback,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

type decisionView struct {
	ReviewID string `json:"review_id"`
	Status   string `json:"status"`
	Approved bool   `json:"approved"`
}

func runReviewsList(cmd *cobra.Command, args []string) error {
	var list reviewListView
	if err := doJSON(http.MethodGet, serverURL+"/api/v1/reviews", nil, &list, 30*time.Second); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(list)
	}
	if list.Count == 0 {
		fmt.Println("No pending reviews")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REVIEW\tRUN\tTYPE\tURGENCY\tCONF\tWAITING SINCE")
	for _, rv := range list.Reviews {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rv.ID,
			rv.RunID,
			rv.ReviewType,
			rv.Urgency,
			rv.Confidence,
			rv.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	for _, rv := range list.Reviews {
		if len(rv.Questions) == 0 {
			continue
		}
		fmt.Printf("\nQuestions for %s:\n", rv.ID)
		for _, q := range rv.Questions {
			fmt.Printf("  - %s\n", q)
		}
	}
	return nil
}

func decideReview(reviewID string, approved bool) error {
	var decided decisionView
	err := doJSON(http.MethodPost, serverURL+"/api/v1/reviews/"+reviewID+"/decision", decisionRequest{
		Approved:  approved,
		Feedback:  reviewFeedback,
		NextSteps: reviewNextSteps,
		DecidedBy: reviewDecidedBy,
	}, &decided, 30*time.Second)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(decided)
	}

	verdict := "approved"
	if !decided.Approved {
		verdict = "rejected"
	}
	fmt.Printf("Review %s %s\n", decided.ReviewID, verdict)
	return nil
}
