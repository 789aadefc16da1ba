package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-shard/internal/metrics"
)

const defaultWorkers = 4

type downloader struct {
	client   *http.Client
	baseURL  string
	destDir  string
	workers  int
	progress *progressTracker
}

func (d *downloader) downloadAll(ctx context.Context, files []string) error {
	workers := d.workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range files {
		g.Go(func() error {
			if _, err := os.Stat(filepath.Join(d.destDir, f)); err == nil {
				return nil
			}
			return d.download(ctx, f)
		})
	}
	return g.Wait()
}

func (d *downloader) download(ctx context.Context, file string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(d.baseURL, file), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", file, resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		d.progress.grow(resp.ContentLength)
	}
	return d.save(file, resp.Body)
}

// save writes to a temp file and renames it into place so a partial
// download never looks complete.
func (d *downloader) save(file string, r io.Reader) error {
	dest := filepath.Join(d.destDir, file)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = io.Copy(f, &countingReader{r: r, progress: d.progress})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%s: %w", file, err)
	}
	return os.Rename(tmp, dest)
}

type countingReader struct {
	r        io.Reader
	progress *progressTracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.progress.add(int64(n))
	}
	return n, err
}

type progressTracker struct {
	done  atomic.Int64
	total atomic.Int64
	mu    sync.Mutex
	fn    Progress
}

func newProgressTracker(fn Progress) *progressTracker {
	return &progressTracker{fn: fn}
}

func (p *progressTracker) grow(n int64) {
	p.total.Add(n)
	p.report()
}

func (p *progressTracker) add(n int64) {
	p.done.Add(n)
	metrics.DownloadBytes.Add(float64(n))
	p.report()
}

func (p *progressTracker) report() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn(p.done.Load(), p.total.Load())
}
