package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]interface{}
}

func fakeServer(t *testing.T, responses map[string]string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, apiKey: r.Header.Get("X-API-Key")}
		json.NewDecoder(r.Body).Decode(&rec.body)
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		body, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"error":{"code":"NOT_FOUND","message":"Forecast not found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	err := cmd.Execute()
	return buf.String(), err
}

func TestStatus(t *testing.T) {
	srv, requests := fakeServer(t, map[string]string{
		"GET /api/v1/engine": `{"success":true,"data":{"state":"ready","project_id":"basel","clock_state":"paused","clock_time":"2024-01-01T06:00:00Z","next_runs":[{"name":"forecast","next_run":"2024-01-01T12:00:00Z"}]}}`,
	})

	out, err := execute(t, "--server", srv.URL, "--api-key", "secret", "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"State:      ready", "Project:    basel", "paused at 2024-01-01 06:00:00", "2024-01-01 12:00:00  forecast"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if reqs := requests(); len(reqs) != 1 || reqs[0].apiKey != "secret" {
		t.Errorf("expected one request with API key, got %+v", reqs)
	}
}

func TestForecastList(t *testing.T) {
	srv, requests := fakeServer(t, map[string]string{
		"GET /api/v1/forecasts": `{"success":true,"data":{"project_id":"basel","total":1,"forecasts":[{"id":"0123456789abcdef","forecast_time":"2024-01-01T06:00:00Z","status":"failed","error":"hazard: no model results","stages":[{},{}]}]}}`,
	})

	out, err := execute(t, "-s", srv.URL, "forecast", "list", "--project", "basel", "--limit", "5")
	if err != nil {
		t.Fatalf("forecast list failed: %v", err)
	}
	if !strings.Contains(out, "01234567") || !strings.Contains(out, "hazard: no model results") {
		t.Errorf("unexpected output:\n%s", out)
	}
	reqs := requests()
	if len(reqs) != 1 || reqs[0].query != "limit=5&project_id=basel" {
		t.Errorf("unexpected request %+v", reqs)
	}
}

func TestForecastTrigger(t *testing.T) {
	srv, requests := fakeServer(t, map[string]string{
		"POST /api/v1/forecasts/trigger": `{"success":true,"data":{"task_name":"forecast-manual-1","at":"2024-01-01T03:00:00Z"}}`,
	})

	out, err := execute(t, "-s", srv.URL, "forecast", "trigger", "--at", "2024-01-01T03:00:00Z")
	if err != nil {
		t.Fatalf("forecast trigger failed: %v", err)
	}
	if !strings.Contains(out, "forecast-manual-1 at 2024-01-01 03:00:00") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if reqs := requests(); len(reqs) != 1 || reqs[0].body["at"] != "2024-01-01T03:00:00Z" {
		t.Errorf("unexpected request %+v", reqs)
	}

	if _, err := execute(t, "-s", srv.URL, "forecast", "trigger", "--at", "tomorrow"); err == nil {
		t.Error("expected error for invalid --at")
	}
}

func TestAPIErrors(t *testing.T) {
	srv, _ := fakeServer(t, nil)

	_, err := execute(t, "-s", srv.URL, "forecast", "get", "missing")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND: Forecast not found") {
		t.Errorf("expected API error, got %v", err)
	}
}

func TestProjectAttach(t *testing.T) {
	srv, requests := fakeServer(t, map[string]string{
		"POST /api/v1/engine/attach": `{"success":true,"data":{"state":"ready"}}`,
	})

	path := filepath.Join(t.TempDir(), "basel.yaml")
	project := `
id: basel
start: 2006-12-02T00:00:00Z
end: 2006-12-10T00:00:00Z
forecast_interval: 1d
template:
  horizon: 2d
  magnitudes: {min: 0.5, max: 4}
  bin_size: 0.1
models:
  - {id: etas, type: command, enabled: true}
`
	if err := os.WriteFile(path, []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "-s", srv.URL, "project", "attach", "-f", path)
	if err != nil {
		t.Fatalf("project attach failed: %v", err)
	}
	if !strings.Contains(out, "Project attached: basel") {
		t.Errorf("unexpected output:\n%s", out)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].body["forecast_interval"] != "1d" || reqs[0].body["start"] != "2006-12-02T00:00:00Z" {
		t.Errorf("unexpected project body %+v", reqs[0].body)
	}
}

func TestClockStep(t *testing.T) {
	srv, requests := fakeServer(t, map[string]string{
		"POST /api/v1/clock/step": `{"success":true,"data":{"state":"running","time":"2024-01-01T06:00:00Z","mode":"external_step","advanced":true}}`,
	})

	out, err := execute(t, "-s", srv.URL, "clock", "step")
	if err != nil {
		t.Fatalf("clock step failed: %v", err)
	}
	if !strings.Contains(out, "Clock running at 2024-01-01 06:00:00 (external_step)") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if reqs := requests(); len(reqs) != 1 || reqs[0].path != "/api/v1/clock/step" {
		t.Errorf("unexpected requests %+v", reqs)
	}
}

func TestHashKey(t *testing.T) {
	out, err := execute(t, "hash-key", "secret")
	if err != nil {
		t.Fatalf("hash-key failed: %v", err)
	}
	if !strings.HasPrefix(out, "$2a$") {
		t.Errorf("expected bcrypt hash, got %q", out)
	}
}
