package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/23skdu/longbow-shard/internal/config"
)

func testLocal(t *testing.T, models map[string]config.Model) *Local {
	t.Helper()
	cfg := config.Default()
	cfg.Models = models
	cfg.CacheDir = t.TempDir()
	cfg.Registry = config.RegistryConfig{Workers: 2}
	return NewLocal(&cfg)
}

func TestResolveTable(t *testing.T) {
	present := t.TempDir()
	tests := []struct {
		name   string
		model  config.Model
		id     string
		status Status
	}{
		{"unknown id", config.Model{Family: "8B", Path: present}, "other", Unresolved},
		{"local path", config.Model{Family: "8B", Path: present}, "m", Resolved},
		{"unimplemented", config.Model{Family: "8B", Unimplemented: true}, "m", Unimplemented},
		{"missing path", config.Model{Family: "8B", Path: filepath.Join(present, "nope")}, "m", Unresolved},
		{"unknown family", config.Model{Family: "3B", Path: present}, "m", Unresolved},
		{"no source", config.Model{Family: "8B"}, "m", Unresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLocal(t, map[string]config.Model{"m": tt.model})
			res, err := l.Resolve(context.Background(), tt.id, nil)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Status != tt.status {
				t.Errorf("status = %v, want %v (%s)", res.Status, tt.status, res.Reason)
			}
			if res.Status == Resolved && (res.Path != present || res.Family != "8B") {
				t.Errorf("resolution = %+v", res)
			}
		})
	}
}

func fileHandler(t *testing.T, prefix string, files map[string]string, hits *sync.Map) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, prefix)
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			n, _ := hits.LoadOrStore(name, new(int))
			*n.(*int)++
		}
		w.Write([]byte(body))
	}
}

func TestResolveDownloadsFromHub(t *testing.T) {
	files := map[string]string{"model.safetensors": "weights", "tokenizer.json": "{}"}
	hub := httptest.NewServer(fileHandler(t, "/org/m/resolve/main/", files, nil))
	defer hub.Close()

	var mu sync.Mutex
	var notified []string
	var announced struct {
		Path string `json:"path"`
	}
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&announced); err != nil {
				t.Errorf("decode registration: %v", err)
			}
			notified = append(notified, r.URL.Path)
			return
		}
		http.NotFound(w, r)
	}))
	defer reg.Close()

	l := testLocal(t, map[string]config.Model{
		"m": {Family: "8B", Repo: "org/m", Files: []string{"model.safetensors", "tokenizer.json"}},
	})
	l.Registry.URL = reg.URL
	l.Registry.FileServer = "http://unused.invalid"
	l.Registry.HubURL = hub.URL

	var last, total int64
	res, err := l.Resolve(context.Background(), "m", func(done, tot int64) {
		mu.Lock()
		last, total = done, tot
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != Resolved || res.Path != filepath.Join(l.CacheDir, "m") {
		t.Fatalf("resolution = %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(res.Path, "model.safetensors"))
	if err != nil || string(got) != "weights" {
		t.Errorf("downloaded file = %q, %v", got, err)
	}
	if last != int64(len("weights")+len("{}")) || total != last {
		t.Errorf("progress = %d/%d", last, total)
	}
	if len(notified) != 1 || notified[0] != "/m" {
		t.Errorf("registry notifications = %v", notified)
	}
	if announced.Path != res.Path {
		t.Errorf("registered path = %q, want %q", announced.Path, res.Path)
	}
	leftovers, _ := filepath.Glob(filepath.Join(res.Path, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestResolvePrefersFileServer(t *testing.T) {
	files := map[string]string{"model.safetensors": "w"}
	var hits sync.Map
	fs := httptest.NewServer(fileHandler(t, "/m/", files, &hits))
	defer fs.Close()
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			t.Errorf("file server downloads must not notify the registry")
		}
	}))
	defer reg.Close()

	l := testLocal(t, map[string]config.Model{
		"m": {Family: "8B", Repo: "org/m", Files: []string{"model.safetensors"}},
	})
	l.Registry.URL = reg.URL
	l.Registry.FileServer = fs.URL
	l.Registry.HubURL = "http://unused.invalid"

	for i := 0; i < 2; i++ {
		if res, err := l.Resolve(context.Background(), "m", nil); err != nil || res.Status != Resolved {
			t.Fatalf("Resolve: %+v, %v", res, err)
		}
	}
	n, _ := hits.Load("model.safetensors")
	if n == nil || *n.(*int) != 1 {
		t.Errorf("file fetched %v times, want once", n)
	}
}

func TestResolveDownloadFailure(t *testing.T) {
	hub := httptest.NewServer(http.NotFoundHandler())
	defer hub.Close()

	l := testLocal(t, map[string]config.Model{
		"m": {Family: "8B", Repo: "org/m", Files: []string{"model.safetensors"}},
	})
	l.Registry.HubURL = hub.URL
	if _, err := l.Resolve(context.Background(), "m", nil); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := os.Stat(filepath.Join(l.CacheDir, "m", "model.safetensors")); !os.IsNotExist(err) {
		t.Errorf("failed download left a file behind: %v", err)
	}
}

func TestDefaultFiles(t *testing.T) {
	l := testLocal(t, nil)
	got := l.files(config.Model{Family: "70B"})
	if len(got) != 10 || got[0] != "consolidated.00.pth" || got[7] != "consolidated.07.pth" || got[8] != "tokenizer.json" {
		t.Errorf("files = %v", got)
	}
}
