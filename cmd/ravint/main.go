// Package main implements the ravint CLI for operations against the
// ravint orchestrator daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the orchestrator HTTP API
	serverURL string
	// adminURL is the base URL for the admin endpoints (health, metrics)
	adminURL string
	// authToken authenticates requests on deployments with auth enabled
	authToken string
	// apiKey is the X-API-Key alternative to a bearer token
	apiKey string
	// jsonOutput switches commands to raw JSON output
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ravint",
	Short: "CLI for the ravint orchestrator daemon",
	Long: `ravint is a command-line interface for the ravint reasoning orchestrator.
It submits queries, inspects runs, resolves pending human reviews, and checks
daemon health over the HTTP API.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8081", "orchestrator API base URL")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin", "http://localhost:2112", "orchestrator admin base URL (health, metrics)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("RAVINT_TOKEN"), "bearer token for deployments with auth enabled")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RAVINT_API_KEY"), "API key for deployments with auth enabled")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output responses as JSON")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(healthCmd)
}

// apiError matches the error envelope of internal/httpapi.
type apiError struct {
	Error string `json:"error"`
}

// doJSON performs one API request and decodes the response into out.
// Responses with status >= 400 become errors carrying the server message.
func doJSON(method, url string, body interface{}, out interface{}, timeout time.Duration) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuthHeaders(req)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&ae); decodeErr == nil && ae.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func setAuthHeaders(req *http.Request) {
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
