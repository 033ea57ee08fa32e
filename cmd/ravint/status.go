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
	// status command flags
	statusFilter string
	statusLimit  int
)

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter the run list: running, completed, or failed")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum number of runs to list")
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show one run or list recent runs",
	Long: `Show the status of one run, or list recent runs when no ID is given.
Listing requires the daemon to run with persistence enabled.

Examples:
  # One run
  ravint status 4f7c9a12-8b31-4a6e-9c0d-2f1e5b7a3d98

  # Recent runs
  ravint status

  # Only failed runs
  ravint status --status failed --limit 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

// runView matches the run info responses of internal/httpapi.
type runView struct {
	RunID          string     `json:"run_id"`
	Query          string     `json:"query"`
	Status         string     `json:"status"`
	Success        bool       `json:"success"`
	Confidence     string     `json:"confidence"`
	ReviewRequired bool       `json:"review_required"`
	ReviewReason   string     `json:"review_reason"`
	ErrorCount     int        `json:"error_count"`
	AgentCalls     int        `json:"agent_calls"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// runListView matches the run list response of internal/httpapi.
type runListView struct {
	Runs  []runSummaryView `json:"runs"`
	Count int              `json:"count"`
}

type runSummaryView struct {
	RunID      string    `json:"run_id"`
	Query      string    `json:"query"`
	Status     string    `json:"status"`
	Success    bool      `json:"success"`
	Confidence string    `json:"confidence"`
	ErrorCount int       `json:"error_count"`
	AgentCalls int       `json:"agent_calls"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs *int64    `json:"duration_ms"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showRun(args[0])
	}
	return listRuns()
}

func showRun(runID string) error {
	var info runView
	if err := doJSON(http.MethodGet, serverURL+"/api/v1/runs/"+runID, nil, &info, 30*time.Second); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(info)
	}

	fmt.Printf("Run: %s\n", info.RunID)
	fmt.Printf("Query: %s\n", info.Query)
	fmt.Printf("Status: %s\n", info.Status)
	if info.Status != "running" {
		fmt.Printf("Success: %t\n", info.Success)
	}
	if info.Confidence != "" {
		fmt.Printf("Confidence: %s\n", info.Confidence)
	}
	if info.ReviewRequired {
		fmt.Printf("Review: %s\n", info.ReviewReason)
	}
	fmt.Printf("Agent calls: %d\n", info.AgentCalls)
	fmt.Printf("Errors: %d\n", info.ErrorCount)
	fmt.Printf("Started: %s\n", info.StartedAt.Format("2006-01-02 15:04:05"))
	if info.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", info.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func listRuns() error {
	url := fmt.Sprintf("%s/api/v1/runs?limit=%d", serverURL, statusLimit)
	if statusFilter != "" {
		url += "&status=" + statusFilter
	}

	var list runListView
	if err := doJSON(http.MethodGet, url, nil, &list, 30*time.Second); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(list)
	}
	if list.Count == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCONF\tCALLS\tERRORS\tSTARTED\tQUERY")
	for _, r := range list.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.RunID,
			r.Status,
			r.Confidence,
			r.AgentCalls,
			r.ErrorCount,
			r.StartedAt.Format("2006-01-02 15:04"),
			truncate(r.Query, 40),
		)
	}
	w.Flush()
	return nil
}
