package modwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/modwatch/journal"
	"github.com/hazyhaar/modwatch/modreg"
	"github.com/hazyhaar/modwatch/reload"
)

// startAPI brings up a started service plus an httptest server in front
// of its handler.
func startAPI(t *testing.T, cfg *Config, opts ...ServiceOption) (*Service, *httptest.Server) {
	t.Helper()
	if err := os.MkdirAll(cfg.UnitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	svc := newTestService(t, cfg, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", rd)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func TestAPI_Health(t *testing.T) {
	_, srv := startAPI(t, testConfig(t))

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body: %v", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: %q", ct)
	}
}

func TestAPI_StatusAndUnits(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.UnitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeUnit(t, cfg.UnitsDir, "echo.yaml", fmt.Sprintf(echoUnit, 1))
	_, srv := startAPI(t, cfg)

	var st Status
	if resp := getJSON(t, srv.URL+"/api/status", &st); resp.StatusCode != 200 {
		t.Fatalf("status code: %d", resp.StatusCode)
	}
	if !st.Running || st.Units != 1 {
		t.Errorf("status: %+v", st)
	}
	if st.Watermark.IsZero() {
		t.Error("watermark should be set")
	}

	var units []modreg.ToolUnit
	if resp := getJSON(t, srv.URL+"/api/units", &units); resp.StatusCode != 200 {
		t.Fatalf("units code: %d", resp.StatusCode)
	}
	if len(units) != 1 || units[0].Name != "echo" {
		t.Errorf("units: %+v", units)
	}
}

func TestAPI_ExecuteUnit(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.UnitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeUnit(t, cfg.UnitsDir, "echo.yaml", fmt.Sprintf(echoUnit, 1))
	_, srv := startAPI(t, cfg)

	var out map[string]string
	resp := postJSON(t, srv.URL+"/api/units/echo/execute", map[string]any{"message": "hi"}, &out)
	if resp.StatusCode != 200 {
		t.Fatalf("execute code: %d", resp.StatusCode)
	}
	if out["result"] != "hi" {
		t.Errorf("result: %v", out)
	}

	if resp := postJSON(t, srv.URL+"/api/units/ghost/execute", map[string]any{}, nil); resp.StatusCode != 404 {
		t.Errorf("unknown unit: got %d, want 404", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/units/echo/execute", map[string]any{}, nil); resp.StatusCode != 400 {
		t.Errorf("missing param: got %d, want 400", resp.StatusCode)
	}
}

func TestAPI_ExecuteInactiveUnit(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.UnitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeUnit(t, cfg.UnitsDir, "dormant.yaml", `
name: dormant
version: 1
active: false
handler:
  type: template
  template: "never"
`)
	_, srv := startAPI(t, cfg)

	if resp := postJSON(t, srv.URL+"/api/units/dormant/execute", map[string]any{}, nil); resp.StatusCode != 409 {
		t.Errorf("inactive unit: got %d, want 409", resp.StatusCode)
	}
}

func TestAPI_ScanAndJournal(t *testing.T) {
	cfg := testConfig(t)
	// Slow polling so only the forced scans run.
	cfg.PollInterval = time.Hour
	if err := os.MkdirAll(cfg.UnitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeUnit(t, cfg.UnitsDir, "echo.yaml", fmt.Sprintf(echoUnit, 1))
	_, srv := startAPI(t, cfg)

	if err := os.WriteFile(path, []byte(fmt.Sprintf(echoUnit, 2)), 0o644); err != nil {
		t.Fatal(err)
	}

	var rep reload.Report
	resp := postJSON(t, srv.URL+"/api/scan", nil, &rep)
	if resp.StatusCode != 200 {
		t.Fatalf("scan code: %d", resp.StatusCode)
	}
	if !rep.Forced || rep.Reloaded != 1 {
		t.Errorf("report: forced=%v reloaded=%d", rep.Forced, rep.Reloaded)
	}
	if rep.ID == "" {
		t.Error("report should carry a scan ID")
	}

	// The journal flushes on a 1s ticker.
	deadline := time.Now().Add(3 * time.Second)
	var scans []journal.ScanRecord
	for time.Now().Before(deadline) {
		getJSON(t, srv.URL+"/api/journal/recent?limit=5", &scans)
		if len(scans) > 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(scans) == 0 {
		t.Fatal("journal never recorded the scan")
	}
	if scans[0].ScanID != rep.ID {
		t.Errorf("scan id: got %s, want %s", scans[0].ScanID, rep.ID)
	}
	if scans[0].Reloaded != 1 {
		t.Errorf("reloaded: got %d", scans[0].Reloaded)
	}

	var hist []journal.OutcomeRecord
	getJSON(t, srv.URL+"/api/journal/units/echo", &hist)
	if len(hist) == 0 || hist[0].Kind != "reloaded" {
		t.Errorf("history: %+v", hist)
	}
}

func TestAPI_SupervisorLifecycle(t *testing.T) {
	_, srv := startAPI(t, testConfig(t))

	if resp := postJSON(t, srv.URL+"/api/supervisor/stop", nil, nil); resp.StatusCode != 200 {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/supervisor/stop", nil, nil); resp.StatusCode != 409 {
		t.Errorf("double stop: got %d, want 409", resp.StatusCode)
	}

	var st Status
	getJSON(t, srv.URL+"/api/status", &st)
	if st.Running {
		t.Error("supervisor should be stopped")
	}

	if resp := postJSON(t, srv.URL+"/api/supervisor/start", nil, nil); resp.StatusCode != 200 {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/supervisor/start", nil, nil); resp.StatusCode != 409 {
		t.Errorf("double start: got %d, want 409", resp.StatusCode)
	}
}

func TestAPI_TokenAuth(t *testing.T) {
	cfg := testConfig(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Admin.TokenHash = string(hash)
	_, srv := startAPI(t, cfg)

	// /health stays open.
	if resp := getJSON(t, srv.URL+"/health", nil); resp.StatusCode != 200 {
		t.Fatalf("health: %d", resp.StatusCode)
	}

	if resp := getJSON(t, srv.URL+"/api/status", nil); resp.StatusCode != 401 {
		t.Errorf("no token: got %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("wrong token: got %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("bearer token: got %d, want 200", resp.StatusCode)
	}

	// Query token for clients that cannot set headers.
	if resp := getJSON(t, srv.URL+"/api/status?token=s3cret", nil); resp.StatusCode != 200 {
		t.Errorf("query token: got %d, want 200", resp.StatusCode)
	}
}

func TestAPI_StreamDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.Enabled = false
	_, srv := startAPI(t, cfg)

	if resp := getJSON(t, srv.URL+"/api/stream", nil); resp.StatusCode != 404 {
		t.Errorf("stream disabled: got %d, want 404", resp.StatusCode)
	}
}

func TestAPI_RequestIDHeader(t *testing.T) {
	_, srv := startAPI(t, testConfig(t))

	resp := getJSON(t, srv.URL+"/health", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}
}
