package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/engine"
	"github.com/23skdu/longbow-shard/internal/loader"
	"github.com/23skdu/longbow-shard/internal/model/modeltest"
	"github.com/23skdu/longbow-shard/internal/registry"
	"github.com/23skdu/longbow-shard/internal/shard"
)

type fixedResolver struct{ path string }

func (r fixedResolver) Resolve(context.Context, string, registry.Progress) (registry.Resolution, error) {
	return registry.Resolution{Status: registry.Resolved, Path: r.path, Family: "tiny"}, nil
}

type nopTokenizer struct{}

func (nopTokenizer) Encode(text string) []int { return []int{1, 2} }
func (nopTokenizer) Decode(ids []int) string { return "" }
func (nopTokenizer) EOS() int { return -1 }

func newMonitor(t *testing.T) (*HealthMonitor, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	if err := modeltest.WriteCheckpoint(dir, modeltest.Weights(modeltest.Args(), 7)); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Families = map[string]config.Family{"tiny": {Args: modeltest.Args(), Files: 1}}
	rt, err := loader.New(&cfg, fixedResolver{path: dir})
	if err != nil {
		t.Fatal(err)
	}
	rt.SetTokenizerLoader(func(string) (loader.Tokenizer, error) { return nopTokenizer{}, nil })
	e := engine.New(rt, &cfg)
	return NewHealthMonitor(e, "test"), e
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("%s: invalid JSON %q: %v", path, rec.Body.String(), err)
	}
	return rec.Code
}

func TestHealthEmptyRuntime(t *testing.T) {
	hm, _ := newMonitor(t)
	var body map[string]any
	if code := getJSON(t, hm.Handler(), "/health", &body); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if body["status"] != "healthy" || body["state"] != "empty" {
		t.Errorf("body = %v", body)
	}
	if body["loads"].(float64) != 0 {
		t.Errorf("loads = %v, want 0", body["loads"])
	}
}

func TestStatusAfterDecode(t *testing.T) {
	hm, e := newMonitor(t)
	s, _ := shard.New("tiny", 0, modeltest.Args().Layers, modeltest.Args().Layers)
	if _, _, _, err := e.DecodePrompt(context.Background(), "req", s, "hi", ""); err != nil {
		t.Fatal(err)
	}
	hm.RecordDecode(2, 20*time.Millisecond)

	var st HealthStatus
	getJSON(t, hm.Handler(), "/status", &st)
	if st.Runtime.State != "ready" || st.Runtime.Loads != 1 || st.Runtime.Sessions != 1 {
		t.Errorf("runtime = %+v", st.Runtime)
	}
	if st.Runtime.Current == nil || *st.Runtime.Current != s {
		t.Errorf("current = %v, want %v", st.Runtime.Current, s)
	}
	if diff := cmp.Diff([]shard.Shard{s}, st.Runtime.Resident); diff != "" {
		t.Errorf("resident (-want +got):\n%s", diff)
	}
	if st.Runtime.WeightBytes <= 0 {
		t.Error("expected resident weight bytes")
	}
	if st.Runtime.ScratchBytes <= 0 {
		t.Error("expected forward pass scratch bytes")
	}
	if st.Performance.Calls != 1 || st.Performance.TokensPerSecond != 100 {
		t.Errorf("performance = %+v", st.Performance)
	}
}

func TestAlertsDriveStatus(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  string
		code  int
	}{
		{"warning", "warning", "healthy", http.StatusOK},
		{"error", "error", "degraded", http.StatusOK},
		{"critical", "critical", "critical", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, _ := newMonitor(t)
			hm.AddAlert(tt.level, "loader", "boom")

			var body map[string]any
			if code := getJSON(t, hm.Handler(), "/healthz", &body); code != tt.code {
				t.Errorf("code = %d, want %d", code, tt.code)
			}
			if body["status"] != tt.want {
				t.Errorf("status = %v, want %s", body["status"], tt.want)
			}

			hm.ResolveAlert(0)
			if got := hm.Status().Status; got != "healthy" {
				t.Errorf("after resolve status = %s", got)
			}
		})
	}
}

func TestClearAlerts(t *testing.T) {
	hm, _ := newMonitor(t)
	hm.AddAlert("error", "transport", "peer down")
	h := hm.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("POST clear-alerts = %d", rec.Code)
	}
	var alerts []Alert
	getJSON(t, h, "/admin/alerts", &alerts)
	if len(alerts) != 0 {
		t.Errorf("alerts = %v, want none", alerts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	hm, _ := newMonitor(t)
	rec := httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics endpoint returned %d", rec.Code)
	}
}
