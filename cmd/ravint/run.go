package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// run command flags
	runReview      bool
	runThreshold   string
	runMaxAttempts int
	runNoWait      bool
	runTimeout     time.Duration
)

const runPollInterval = 2 * time.Second

func init() {
	runCmd.Flags().BoolVar(&runReview, "review", false, "Pause for human review when the gate requests it")
	runCmd.Flags().StringVar(&runThreshold, "threshold", "", "Review gate threshold: High, Medium, or Low")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "Per-agent retry budget override")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "Submit and return the run ID without waiting")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 35*time.Minute, "How long to wait for the run to finish")
}

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Submit a query and wait for the synthesized answer",
	Long: `Submit a query to the orchestrator and wait for the run to finish.

Examples:
  # Run a query and print the synthesis
  ravint run "Should we adopt a four-day work week?"

  # Enable the human review gate; decisions land through 'ravint reviews'
  ravint run --review "Is this rollout plan safe?"

  # Submit without waiting
  ravint run --no-wait "What caused the outage on Tuesday?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

// submitRequest matches the submit payload of internal/httpapi.
type submitRequest struct {
	Query             string `json:"query"`
	EnableHumanReview bool   `json:"enable_human_review,omitempty"`
	ReviewThreshold   string `json:"review_threshold,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
}

// resultView matches the run result response of internal/httpapi.
type resultView struct {
	RunID               string         `json:"run_id"`
	Success             bool           `json:"success"`
	Confidence          string         `json:"confidence"`
	FinalSynthesis      *synthesisView `json:"final_synthesis"`
	HumanReviewRequired bool           `json:"human_review_required"`
	HumanReviewReason   string         `json:"human_review_reason"`
	ErrorsEncountered   []errorView    `json:"errors_encountered"`
}

type synthesisView struct {
	Summary          string   `json:"summary"`
	Confidence       string   `json:"confidence"`
	KeyFindings      []string `json:"key_findings"`
	Recommendations  []string `json:"recommendations"`
	Uncertainties    []string `json:"uncertainties"`
	DegradationNotes []string `json:"degradation_notes"`
}

type errorView struct {
	Agent             string `json:"agent"`
	Error             string `json:"error"`
	Phase             string `json:"phase"`
	RecoveryStrategy  string `json:"recovery_strategy"`
	IsCriticalFailure bool   `json:"is_critical_failure"`
}

func runRun(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	var submitted runView
	err := doJSON(http.MethodPost, serverURL+"/api/v1/runs", submitRequest{
		Query:             query,
		EnableHumanReview: runReview,
		ReviewThreshold:   runThreshold,
		MaxAttempts:       runMaxAttempts,
	}, &submitted, 30*time.Second)
	if err != nil {
		return err
	}

	if runNoWait {
		if jsonOutput {
			return outputJSON(submitted)
		}
		fmt.Printf("Run submitted\n")
		fmt.Printf("ID: %s\n", submitted.RunID)
		fmt.Printf("Check progress with: ravint status %s\n", submitted.RunID)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Run %s started\n", submitted.RunID)
	if runReview {
		fmt.Fprintln(os.Stderr, "Pending reviews can be resolved with: ravint reviews")
	}

	final, err := waitForRun(submitted.RunID, runTimeout)
	if err != nil {
		return err
	}

	var result resultView
	if err := doJSON(http.MethodGet, serverURL+"/api/v1/runs/"+final.RunID+"/result", nil, &result, 30*time.Second); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(result)
	}
	printResult(&result)
	if !result.Success {
		return fmt.Errorf("run %s failed", final.RunID)
	}
	return nil
}

// waitForRun polls until the run leaves the running state.
func waitForRun(runID string, timeout time.Duration) (*runView, error) {
	deadline := time.Now().Add(timeout)
	for {
		var info runView
		if err := doJSON(http.MethodGet, serverURL+"/api/v1/runs/"+runID, nil, &info, 30*time.Second); err != nil {
			return nil, err
		}
		if info.Status != "running" {
			return &info, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s waiting for run %s, it is still running", timeout, runID)
		}
		time.Sleep(runPollInterval)
	}
}

func printResult(res *resultView) {
	fmt.Printf("Run: %s\n", res.RunID)
	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	fmt.Printf("Status: %s\n", status)
	if res.Confidence != "" {
		fmt.Printf("Confidence: %s\n", res.Confidence)
	}
	if res.HumanReviewRequired {
		fmt.Printf("Human review: %s\n", res.HumanReviewReason)
	}
	if n := len(res.ErrorsEncountered); n > 0 {
		fmt.Printf("Errors absorbed: %d\n", n)
	}
	if res.FinalSynthesis != nil {
		fmt.Printf("\n%s\n", res.FinalSynthesis.Summary)
		printSection("Key findings", res.FinalSynthesis.KeyFindings)
		printSection("Recommendations", res.FinalSynthesis.Recommendations)
		printSection("Uncertainties", res.FinalSynthesis.Uncertainties)
		printSection("Degraded inputs", res.FinalSynthesis.DegradationNotes)
	}
}

func printSection(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	for _, item := range items {
		fmt.Printf("  - %s\n", item)
	}
}
