package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var healthDetailed bool

func init() {
	healthCmd.Flags().BoolVar(&healthDetailed, "detailed", false, "Show per-component health")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	Long: `Query the daemon's admin endpoint for its health status.

Examples:
  # Quick status
  ravint health

  # Per-component breakdown
  ravint health --detailed`,
	RunE: runHealth,
}

// healthView matches the summary response of internal/health.
type healthView struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Degraded bool   `json:"degraded"`
	Ready    bool   `json:"ready"`
	Live     bool   `json:"live"`
}

// detailedHealthView matches the detailed report of internal/health, where
// statuses are encoded as integers and durations as nanoseconds.
type detailedHealthView struct {
	Overall struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
		Ready   bool   `json:"ready"`
		Live    bool   `json:"live"`
	} `json:"overall"`
	Components map[string]componentHealthView `json:"components"`
	Summary    struct {
		Total     int `json:"total"`
		Healthy   int `json:"healthy"`
		Degraded  int `json:"degraded"`
		Unhealthy int `json:"unhealthy"`
	} `json:"summary"`
}

type componentHealthView struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration"`
	Critical bool   `json:"critical"`
}

func healthStatusName(status int) string {
	switch status {
	case 0:
		return "healthy"
	case 1:
		return "degraded"
	case 2:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	if healthDetailed {
		return runHealthDetailed()
	}

	var hv healthView
	code, err := getHealthJSON(adminURL+"/health", &hv)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := outputJSON(hv); err != nil {
			return err
		}
	} else {
		fmt.Printf("Status:  %s\n", hv.Status)
		if hv.Message != "" {
			fmt.Printf("Message: %s\n", hv.Message)
		}
		fmt.Printf("Ready:   %t\n", hv.Ready)
		fmt.Printf("Live:    %t\n", hv.Live)
	}
	if code != http.StatusOK {
		return fmt.Errorf("daemon is not healthy")
	}
	return nil
}

func runHealthDetailed() error {
	var dv detailedHealthView
	code, err := getHealthJSON(adminURL+"/health/detailed", &dv)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := outputJSON(dv); err != nil {
			return err
		}
	} else {
		fmt.Printf("Overall: %s\n", healthStatusName(dv.Overall.Status))
		if dv.Overall.Message != "" {
			fmt.Printf("Message: %s\n", dv.Overall.Message)
		}
		fmt.Printf("Components: %d healthy, %d degraded, %d unhealthy\n\n",
			dv.Summary.Healthy, dv.Summary.Degraded, dv.Summary.Unhealthy)

		names := make([]string, 0, len(dv.Components))
		for name := range dv.Components {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COMPONENT\tSTATUS\tCRITICAL\tLATENCY\tDETAIL")
		for _, name := range names {
			c := dv.Components[name]
			detail := c.Message
			if c.Error != "" {
				detail = c.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				name,
				healthStatusName(c.Status),
				c.Critical,
				time.Duration(c.Duration).Round(time.Millisecond),
				truncate(detail, 60),
			)
		}
		w.Flush()
	}
	if code != http.StatusOK {
		return fmt.Errorf("daemon is not healthy")
	}
	return nil
}

// getHealthJSON decodes a health response into out. Unhealthy daemons answer
// 503 with a valid body, so the status code is returned instead of an error.
func getHealthJSON(url string, out interface{}) (int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	setAuthHeaders(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}
