// Package registry resolves a model id to a local checkpoint directory,
// downloading the model's files when they are not on disk yet.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/tokenizer"
)

type Status int

const (
	Unresolved Status = iota
	Resolved
	Unimplemented
)

func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unresolved"
	}
}

// Resolution is the typed outcome of resolving a model id. Path and Family
// are set only when Status is Resolved.
type Resolution struct {
	Status Status
	Path   string
	Family string
	Reason string
}

// Progress receives cumulative download progress. total grows as response
// sizes become known.
type Progress func(done, total int64)

type Resolver interface {
	Resolve(ctx context.Context, modelID string, progress Progress) (Resolution, error)
}

// Local resolves ids against the configured model table.
type Local struct {
	Models   map[string]config.Model
	Families map[string]config.Family
	CacheDir string
	Registry config.RegistryConfig
	Client   *http.Client

	log *logger.Logger
}

func NewLocal(cfg *config.Config) *Local {
	return &Local{
		Models:   cfg.Models,
		Families: cfg.Families,
		CacheDir: cfg.CacheDir,
		Registry: cfg.Registry,
		Client:   http.DefaultClient,
		log:      logger.Log.With("component", "registry"),
	}
}

func (l *Local) Resolve(ctx context.Context, modelID string, progress Progress) (Resolution, error) {
	m, ok := l.Models[modelID]
	if !ok {
		return Resolution{Status: Unresolved, Reason: "unknown model id"}, nil
	}
	if m.Unimplemented {
		return Resolution{Status: Unimplemented, Reason: "model is not supported by this runtime"}, nil
	}
	if _, ok := l.Families[m.Family]; !ok {
		return Resolution{Status: Unresolved, Reason: fmt.Sprintf("unknown family %q", m.Family)}, nil
	}

	if m.Path != "" {
		if _, err := os.Stat(m.Path); err == nil {
			return Resolution{Status: Resolved, Path: m.Path, Family: m.Family}, nil
		}
		if m.Repo == "" {
			return Resolution{Status: Unresolved, Reason: fmt.Sprintf("path %s does not exist", m.Path)}, nil
		}
	}
	if m.Repo == "" && l.Registry.URL == "" {
		return Resolution{Status: Unresolved, Reason: "no local path and no download source"}, nil
	}

	dir := filepath.Join(l.CacheDir, modelID)
	files := l.files(m)
	if !allPresent(dir, files) {
		if err := l.fetch(ctx, modelID, m, dir, files, progress); err != nil {
			return Resolution{}, err
		}
	}
	return Resolution{Status: Resolved, Path: dir, Family: m.Family}, nil
}

// files lists what to fetch: the configured list, or the family's legacy
// parts plus the tokenizer when none is given.
func (l *Local) files(m config.Model) []string {
	if len(m.Files) > 0 {
		return m.Files
	}
	f := l.Families[m.Family]
	files := make([]string, 0, f.Files+2)
	for i := 0; i < f.Files; i++ {
		files = append(files, checkpoint.LegacyPartName(i))
	}
	return append(files, tokenizer.File, "tokenizer_config.json")
}

func allPresent(dir string, files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

// fetch downloads files from the file server when the registry knows the
// model, else from the hub, and announces hub downloads to the registry.
func (l *Local) fetch(ctx context.Context, modelID string, m config.Model, dir string, files []string, progress Progress) error {
	base, fromHub, err := l.source(ctx, modelID, m)
	if err != nil {
		return err
	}
	l.log.Info("Downloading model", "model", modelID, "files", len(files), "source", base)

	d := &downloader{
		client:   l.client(),
		baseURL:  base,
		destDir:  dir,
		workers:  l.Registry.Workers,
		progress: newProgressTracker(progress),
	}
	if err := d.downloadAll(ctx, files); err != nil {
		return fmt.Errorf("download %s: %w", modelID, err)
	}

	if fromHub && l.Registry.URL != "" {
		if err := l.announce(ctx, modelID, dir); err != nil {
			l.log.Warn("Failed to notify registry", "model", modelID, "error", err)
		}
	}
	return nil
}

func (l *Local) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

func (l *Local) source(ctx context.Context, modelID string, m config.Model) (string, bool, error) {
	if l.Registry.URL != "" && l.Registry.FileServer != "" {
		ok, err := l.registered(ctx, modelID)
		if err != nil {
			l.log.Warn("Registry lookup failed, falling back to hub", "model", modelID, "error", err)
		} else if ok {
			return joinURL(l.Registry.FileServer, modelID), false, nil
		}
	}
	if m.Repo == "" {
		return "", false, errors.New("model is not in the registry and has no hub repo")
	}
	hub := l.Registry.HubURL
	if hub == "" {
		hub = "https://huggingface.co"
	}
	return joinURL(hub, m.Repo, "resolve", "main"), true, nil
}

func (l *Local) registered(ctx context.Context, modelID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(l.Registry.URL, modelID), nil)
	if err != nil {
		return false, err
	}
	resp, err := l.client().Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// announce registers dir as the local copy of modelID.
func (l *Local) announce(ctx context.Context, modelID, dir string) error {
	body, err := json.Marshal(struct {
		Path string `json:"path"`
	}{dir})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(l.Registry.URL, modelID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client().Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func joinURL(base string, elem ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(elem, "/")
}
