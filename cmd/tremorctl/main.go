// tremorctl - CLI tool for Tremor
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tremor/tremor/internal/api"
	"github.com/tremor/tremor/internal/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	serverURL string
	apiKey    string
	output    string
	stdout    io.Writer = os.Stdout
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tremorctl",
		Short:   "Tremor CLI - Drive the forecast engine",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Tremor server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TREMOR_API_KEY"), "API key (defaults to $TREMOR_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE:  engineStatus,
	})

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Attach or detach a project",
	}
	attachCmd := &cobra.Command{
		Use:   "attach -f [file]",
		Short: "Attach a project definition",
		RunE:  attachProject,
	}
	attachCmd.Flags().StringP("file", "f", "", "Project definition file (YAML or JSON)")
	attachCmd.MarkFlagRequired("file")
	projectCmd.AddCommand(attachCmd, &cobra.Command{
		Use:   "detach",
		Short: "Detach the current project",
		RunE:  detachProject,
	})

	clockCmd := &cobra.Command{
		Use:   "clock",
		Short: "Control the simulation clock",
		RunE:  getClock,
	}
	for _, action := range []string{"start", "pause", "stop", "step"} {
		action := action
		clockCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the clock",
			RunE: func(cmd *cobra.Command, args []string) error {
				return clockAction(action)
			},
		})
	}

	forecastCmd := &cobra.Command{
		Use:   "forecast",
		Short: "Manage forecasts",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List forecasts, latest first",
		RunE:  listForecasts,
	}
	listCmd.Flags().String("project", "", "Project ID (defaults to the attached project)")
	listCmd.Flags().Int("limit", 20, "Maximum number of forecasts")
	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run a forecast outside the schedule",
		RunE:  triggerForecast,
	}
	triggerCmd.Flags().String("at", "", "Simulated time (RFC3339); defaults to the current clock time")
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete every forecast of a project",
		RunE:  deleteForecasts,
	}
	deleteCmd.Flags().String("project", "", "Project ID (defaults to the attached project)")
	forecastCmd.AddCommand(listCmd, triggerCmd, deleteCmd, &cobra.Command{
		Use:   "get [forecast-id]",
		Short: "Get forecast details",
		Args:  cobra.ExactArgs(1),
		RunE:  getForecast,
	})

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "Show remote worker circuit breakers",
		RunE:  listWorkers,
	}
	workersCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close every worker circuit breaker",
		RunE:  resetWorkers,
	})

	rootCmd.AddCommand(projectCmd, clockCmd, forecastCmd, workersCmd, &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash of an API key for auth.api_keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := api.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, hash)
			return nil
		},
	})

	return rootCmd
}

// API client

func apiRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if success, ok := result["success"].(bool); !ok || !success {
		if errInfo, ok := result["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%s: %s", errInfo["code"], errInfo["message"])
		}
		if msg, ok := result["message"].(string); ok {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("request failed: HTTP %d", resp.StatusCode)
	}

	return result, nil
}

// Output helpers

func printOutput(data interface{}) {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.Encode(data)
	default:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data)
	}
}

func formatTime(v interface{}) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func shortID(v interface{}) string {
	id, _ := v.(string)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printForecastsTable(forecasts []interface{}) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFORECAST TIME\tSTATUS\tSTAGES\tERROR")

	for _, f := range forecasts {
		rec := f.(map[string]interface{})
		stages, _ := rec["stages"].([]interface{})
		errMsg, _ := rec["error"].(string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			shortID(rec["id"]),
			formatTime(rec["forecast_time"]),
			rec["status"],
			len(stages),
			truncate(errMsg, 60),
		)
	}
	w.Flush()
}

// Engine commands

func engineStatus(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/engine", nil)
	if err != nil {
		return err
	}
	data := result["data"]

	if output != "table" {
		printOutput(data)
		return nil
	}

	status := data.(map[string]interface{})
	fmt.Fprintf(stdout, "State:      %s\n", status["state"])
	if p, ok := status["project_id"].(string); ok && p != "" {
		fmt.Fprintf(stdout, "Project:    %s\n", p)
	}
	if j, ok := status["job_id"].(string); ok && j != "" {
		fmt.Fprintf(stdout, "Job:        %s\n", j)
	}
	fmt.Fprintf(stdout, "Clock:      %s at %s\n", status["clock_state"], formatTime(status["clock_time"]))
	if runs, ok := status["next_runs"].([]interface{}); ok && len(runs) > 0 {
		fmt.Fprintln(stdout, "Next runs:")
		for _, r := range runs {
			run := r.(map[string]interface{})
			fmt.Fprintf(stdout, "  %s  %s\n", formatTime(run["next_run"]), run["name"])
		}
	}
	return nil
}

func attachProject(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	project, err := readProject(file)
	if err != nil {
		return err
	}

	if _, err := apiRequest("POST", "/api/v1/engine/attach", project); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Project attached: %s\n", project.ID)
	return nil
}

func readProject(file string) (*models.Project, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var project models.Project
	if strings.HasSuffix(file, ".yaml") || strings.HasSuffix(file, ".yml") {
		if err := yaml.Unmarshal(data, &project); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	} else if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &project, nil
}

func detachProject(cmd *cobra.Command, args []string) error {
	if _, err := apiRequest("POST", "/api/v1/engine/detach", nil); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Project detached")
	return nil
}

// Clock commands

func getClock(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/clock", nil)
	if err != nil {
		return err
	}
	printClock(result["data"])
	return nil
}

func clockAction(action string) error {
	result, err := apiRequest("POST", "/api/v1/clock/"+action, nil)
	if err != nil {
		return err
	}
	printClock(result["data"])
	return nil
}

func printClock(data interface{}) {
	if output != "table" {
		printOutput(data)
		return
	}
	clk := data.(map[string]interface{})
	fmt.Fprintf(stdout, "Clock %s at %s", clk["state"], formatTime(clk["time"]))
	if mode, ok := clk["mode"].(string); ok && mode != "" {
		fmt.Fprintf(stdout, " (%s)", mode)
	}
	if advanced, ok := clk["advanced"].(bool); ok && !advanced {
		fmt.Fprint(stdout, ", step ignored")
	}
	fmt.Fprintln(stdout)
}

// Forecast commands

func listForecasts(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")

	q := url.Values{}
	if project != "" {
		q.Set("project_id", project)
	}
	q.Set("limit", strconv.Itoa(limit))

	result, err := apiRequest("GET", "/api/v1/forecasts?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	data := result["data"].(map[string]interface{})
	forecasts, _ := data["forecasts"].([]interface{})

	if output == "table" {
		fmt.Fprintf(stdout, "Project %s: %d forecasts\n\n", data["project_id"], len(forecasts))
		printForecastsTable(forecasts)
	} else {
		printOutput(forecasts)
	}
	return nil
}

func getForecast(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/forecasts/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	data := result["data"]

	if output != "table" {
		printOutput(data)
		return nil
	}

	rec := data.(map[string]interface{})
	fmt.Fprintf(stdout, "ID:            %s\n", rec["id"])
	fmt.Fprintf(stdout, "Project:       %s\n", rec["project_id"])
	fmt.Fprintf(stdout, "Forecast time: %s\n", formatTime(rec["forecast_time"]))
	fmt.Fprintf(stdout, "Status:        %s\n", rec["status"])
	if e, ok := rec["error"].(string); ok && e != "" {
		fmt.Fprintf(stdout, "Error:         %s\n", e)
	}
	if stages, ok := rec["stages"].([]interface{}); ok {
		fmt.Fprintln(stdout, "Stages:")
		for _, s := range stages {
			st := s.(map[string]interface{})
			line := fmt.Sprintf("  %-10s success=%v", st["stage_id"], st["success"])
			if e, ok := st["error"].(string); ok && e != "" {
				line += " error=" + truncate(e, 80)
			}
			fmt.Fprintln(stdout, line)
		}
	}
	return nil
}

func triggerForecast(cmd *cobra.Command, args []string) error {
	at, _ := cmd.Flags().GetString("at")
	body := map[string]interface{}{}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		body["at"] = t
	}

	result, err := apiRequest("POST", "/api/v1/forecasts/trigger", body)
	if err != nil {
		return err
	}
	data := result["data"].(map[string]interface{})
	fmt.Fprintf(stdout, "Forecast scheduled: %s at %s\n", data["task_name"], formatTime(data["at"]))
	return nil
}

func deleteForecasts(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	path := "/api/v1/forecasts"
	if project != "" {
		path += "?project_id=" + url.QueryEscape(project)
	}

	result, err := apiRequest("DELETE", path, nil)
	if err != nil {
		return err
	}
	data := result["data"].(map[string]interface{})
	fmt.Fprintf(stdout, "Deleted %.0f forecasts of %s\n", data["deleted"], data["project_id"])
	return nil
}

// Worker commands

func listWorkers(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/workers", nil)
	if err != nil {
		return err
	}
	data := result["data"].(map[string]interface{})

	if output != "table" {
		printOutput(data)
		return nil
	}

	breakers, _ := data["breakers"].(map[string]interface{})
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSTATE\tFAILURES\tOPENS")
	for worker, b := range breakers {
		st := b.(map[string]interface{})
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.0f\n", worker, st["state"], st["failures"], st["total_opens"])
	}
	w.Flush()
	return nil
}

func resetWorkers(cmd *cobra.Command, args []string) error {
	if _, err := apiRequest("POST", "/api/v1/workers/reset", nil); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Worker circuit breakers reset")
	return nil
}

// Helpers

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
