// supervisorctl - CLI tool for the janitor supervisor
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	serverURL string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "supervisorctl",
		Short:   "Janitor supervisor CLI - Manage active jobs and supervised runs",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:9929", "Supervisor server URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	// Job commands
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Manage dispatched jobs",
	}

	jobCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active and recently finished jobs",
			RunE:  listJobs,
		},
		&cobra.Command{
			Use:   "get [job-id]",
			Short: "Get job details",
			Args:  cobra.ExactArgs(1),
			RunE:  getJob,
		},
		&cobra.Command{
			Use:   "cancel [job-id]",
			Short: "Cancel an in-flight job",
			Args:  cobra.ExactArgs(1),
			RunE:  cancelJob,
		},
	)

	dispatchCmd := &cobra.Command{
		Use:   "dispatch [key]",
		Short: "Dispatch a job for a dedup key",
		Args:  cobra.ExactArgs(1),
		RunE:  dispatchJob,
	}
	dispatchCmd.Flags().StringP("campaign", "c", "", "Campaign name")

	// Run commands
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Manage supervised runs",
	}

	runCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List supervised runs",
			RunE:  listRuns,
		},
		&cobra.Command{
			Use:   "health [run-id]",
			Short: "Show run health",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runHealth,
		},
		&cobra.Command{
			Use:   "kill [run-id]",
			Short: "Terminate a supervised run",
			Args:  cobra.ExactArgs(1),
			RunE:  killRun,
		},
		&cobra.Command{
			Use:   "result [run-id]",
			Short: "Show the terminal result of a run",
			Args:  cobra.ExactArgs(1),
			RunE:  runResult,
		},
	)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		RunE:  status,
	}

	rootCmd.AddCommand(jobCmd, dispatchCmd, runCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// API client

func apiRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	url := serverURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if success, ok := result["success"].(bool); !ok || !success {
		if errInfo, ok := result["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%s: %s", errInfo["code"], errInfo["message"])
		}
		return nil, fmt.Errorf("request failed")
	}

	return result, nil
}

// Output helpers

func printOutput(data interface{}) {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.Encode(data)
	default:
		// Table format handled by specific commands
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func localTime(value interface{}) string {
	s, ok := value.(string)
	if !ok || s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printJobsTable(jobs []interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tCAMPAIGN\tSTATUS\tSTARTED\tERROR")

	for _, j := range jobs {
		job := j.(map[string]interface{})
		errMsg := "-"
		if e, ok := job["error"].(string); ok && e != "" {
			errMsg = e
		}
		campaign := "-"
		if c, ok := job["campaign"].(string); ok && c != "" {
			campaign = c
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(job["id"].(string)),
			job["key"],
			campaign,
			job["status"],
			localTime(job["started_at"]),
			errMsg,
		)
	}
	w.Flush()
}

func printRunsTable(runs []interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKER\tCODEBASE\tCAMPAIGN\tSTARTED")

	for _, r := range runs {
		run := r.(map[string]interface{})
		campaign := "-"
		if c, ok := run["campaign"].(string); ok && c != "" {
			campaign = c
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(run["id"].(string)),
			run["worker"],
			run["codebase"],
			campaign,
			localTime(run["start_time"]),
		)
	}
	w.Flush()
}

// Job commands

func listJobs(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/jobs/", nil)
	if err != nil {
		return err
	}

	data := result["data"].(map[string]interface{})

	if output == "table" {
		active, _ := data["active"].([]interface{})
		finished, _ := data["history"].([]interface{})
		fmt.Printf("Active: %d jobs\n\n", len(active))
		printJobsTable(active)
		fmt.Printf("\nRecently finished: %d jobs\n\n", len(finished))
		printJobsTable(finished)
	} else {
		printOutput(data)
	}

	return nil
}

func getJob(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/jobs/"+args[0], nil)
	if err != nil {
		return err
	}

	data := result["data"]

	if output == "table" {
		job := data.(map[string]interface{})
		fmt.Printf("ID:        %s\n", job["id"])
		fmt.Printf("Key:       %s\n", job["key"])
		if c, ok := job["campaign"].(string); ok && c != "" {
			fmt.Printf("Campaign:  %s\n", c)
		}
		fmt.Printf("Status:    %s\n", job["status"])
		fmt.Printf("Started:   %s\n", localTime(job["started_at"]))
		if ca, ok := job["completed_at"].(string); ok {
			fmt.Printf("Completed: %s\n", localTime(ca))
		}
		if e, ok := job["error"].(string); ok && e != "" {
			fmt.Printf("Error:     %s\n", e)
		}
	} else {
		printOutput(data)
	}

	return nil
}

func cancelJob(cmd *cobra.Command, args []string) error {
	if _, err := apiRequest("POST", "/api/v1/jobs/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Job %s cancellation requested\n", args[0])
	return nil
}

func dispatchJob(cmd *cobra.Command, args []string) error {
	campaign, _ := cmd.Flags().GetString("campaign")

	var body interface{}
	if campaign != "" {
		body = map[string]string{"campaign": campaign}
	}

	result, err := apiRequest("POST", "/api/v1/dispatch/"+args[0], body)
	if err != nil {
		return err
	}

	data := result["data"].(map[string]interface{})
	fmt.Printf("Dispatched: job %s\n", data["job_id"])
	return nil
}

// Run commands

func listRuns(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/runs/", nil)
	if err != nil {
		return err
	}

	data := result["data"].(map[string]interface{})
	runs, _ := data["runs"].([]interface{})

	if output == "table" {
		fmt.Printf("Total: %d runs\n\n", len(runs))
		printRunsTable(runs)
	} else {
		printOutput(runs)
	}

	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	path := "/api/v1/runs/health"
	if len(args) == 1 {
		path = "/api/v1/runs/" + args[0] + "/health"
	}

	result, err := apiRequest("GET", path, nil)
	if err != nil {
		return err
	}

	printForce(result["data"])
	return nil
}

func killRun(cmd *cobra.Command, args []string) error {
	if _, err := apiRequest("POST", "/api/v1/runs/"+args[0]+"/kill", nil); err != nil {
		return err
	}
	fmt.Printf("Run %s terminated\n", args[0])
	return nil
}

func runResult(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/runs/"+args[0]+"/result", nil)
	if err != nil {
		return err
	}

	printForce(result["data"])
	return nil
}

func status(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/stats", nil)
	if err != nil {
		return err
	}

	printForce(result["data"])
	return nil
}

// printForce prints structured data even in table mode; JSON is the
// least bad rendering for nested payloads.
func printForce(data interface{}) {
	if output == "table" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data)
		return
	}
	printOutput(data)
}
