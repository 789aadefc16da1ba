// Package loader keeps the model instances serving shards of this node
// resident and builds new ones on demand.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/convert"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/model"
	"github.com/23skdu/longbow-shard/internal/partition"
	"github.com/23skdu/longbow-shard/internal/quant"
	"github.com/23skdu/longbow-shard/internal/registry"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tokenizer"
)

type State int32

const (
	Empty State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "empty"
	}
}

// Tokenizer is what the decode path needs from a tokenizer.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	EOS() int
}

// TokenizerLoader builds the tokenizer stored next to a checkpoint.
type TokenizerLoader func(dir string) (Tokenizer, error)

func loadTokenizer(dir string) (Tokenizer, error) {
	return tokenizer.Load(dir)
}

// Loaded is a ready model instance together with its tokenizer.
type Loaded struct {
	Shard     shard.Shard
	Model     *model.Instance
	Tokenizer Tokenizer
	Path      string
}

// Runtime is a shard-keyed cache of model instances with LRU eviction.
type Runtime struct {
	families  map[string]config.Family
	mesh      partition.Mesh
	quantize  string
	blockSize int
	capacity  int

	resolver      registry.Resolver
	loadTokenizer TokenizerLoader
	progress      registry.Progress

	mu      sync.RWMutex
	cache   *orderedmap.OrderedMap[shard.Shard, *Loaded]
	current *Loaded
	hooks   []func(*Loaded)

	state  atomic.Int32
	loads  atomic.Int64
	loadMu sync.Mutex
	group  singleflight.Group

	log *logger.Logger
}

func New(cfg *config.Config, resolver registry.Resolver) (*Runtime, error) {
	mesh, err := partition.NewMesh(cfg.Devices...)
	if err != nil {
		return nil, err
	}
	capacity := cfg.ShardCacheSize
	if capacity <= 0 {
		capacity = 1
	}
	return &Runtime{
		families:      cfg.Families,
		mesh:          mesh,
		quantize:      strings.ToLower(cfg.Quantize),
		blockSize:     cfg.QuantBlockSize,
		capacity:      capacity,
		resolver:      resolver,
		loadTokenizer: loadTokenizer,
		cache:         orderedmap.New[shard.Shard, *Loaded](),
		log:           logger.Log.With("component", "loader"),
	}, nil
}

// SetTokenizerLoader replaces how tokenizers are built.
func (r *Runtime) SetTokenizerLoader(fn TokenizerLoader) { r.loadTokenizer = fn }

// SetProgress installs the download progress callback.
func (r *Runtime) SetProgress(fn registry.Progress) { r.progress = fn }

// OnEvict registers fn to run after an instance leaves the cache.
func (r *Runtime) OnEvict(fn func(*Loaded)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Runtime) State() State { return State(r.state.Load()) }

// Loads counts completed instance builds.
func (r *Runtime) Loads() int64 { return r.loads.Load() }

func (r *Runtime) Mesh() partition.Mesh { return r.mesh }

// Current is the most recently ensured instance, or nil.
func (r *Runtime) Current() *Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Resident lists cached shards, least recently used first.
func (r *Runtime) Resident() []shard.Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]shard.Shard, 0, r.cache.Len())
	for p := r.cache.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Ensure returns a ready instance for s, building it when it is not cached.
// A failed build leaves every cached instance in place.
func (r *Runtime) Ensure(ctx context.Context, s shard.Shard) (*Loaded, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if e, ok := r.hit(s); ok {
		return e, nil
	}

	key := fmt.Sprintf("%q/%d/%d/%d", s.ModelID, s.StartLayer, s.EndLayer, s.NLayers)
	// The build is shared by every caller waiting on s, so one caller
	// giving up must not fail the rest.
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), s)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Loaded), nil
	}
}

func (r *Runtime) hit(s shard.Shard) (*Loaded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.Get(s)
	if !ok {
		return nil, false
	}
	_ = r.cache.MoveToBack(s)
	r.current = e
	metrics.ShardCacheHits.Inc()
	return e, true
}

func (r *Runtime) load(ctx context.Context, s shard.Shard) (*Loaded, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	// A load for s may have finished while this one waited.
	if e, ok := r.hit(s); ok {
		return e, nil
	}

	prev := r.State()
	r.state.Store(int32(Loading))
	start := time.Now()
	r.log.Info("Loading shard", "shard", s.String(), "mesh", r.mesh.String())

	e, err := r.build(ctx, s)
	if err != nil {
		r.state.Store(int32(prev))
		metrics.RecordShardLoadFailure(failureKind(err))
		r.log.Error("Shard load failed", "shard", s.String(), "error", err)
		return nil, err
	}

	evicted := r.swap(s, e)
	r.loads.Add(1)
	r.state.Store(int32(Ready))
	metrics.RecordShardLoad(s.ModelID, time.Since(start))
	r.log.Info("Shard ready", "shard", s.String(), "bytes", e.Model.NBytes(), "duration", time.Since(start).String())

	r.mu.RLock()
	hooks := append([]func(*Loaded)(nil), r.hooks...)
	r.mu.RUnlock()
	for _, old := range evicted {
		r.log.Info("Evicting shard", "shard", old.Shard.String())
		metrics.ShardEvictions.Inc()
		for _, h := range hooks {
			h(old)
		}
		old.Model.Release()
	}
	return e, nil
}

// swap publishes e and pops instances beyond capacity.
func (r *Runtime) swap(s shard.Shard, e *Loaded) []*Loaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Set(s, e)
	r.current = e

	var evicted []*Loaded
	for r.cache.Len() > r.capacity {
		oldest := r.cache.Oldest()
		r.cache.Delete(oldest.Key)
		evicted = append(evicted, oldest.Value)
	}
	var resident int64
	for p := r.cache.Oldest(); p != nil; p = p.Next() {
		resident += p.Value.Model.NBytes()
	}
	metrics.ResidentWeightBytes.Set(float64(resident))
	return evicted
}

func (r *Runtime) build(ctx context.Context, s shard.Shard) (*Loaded, error) {
	res, err := r.resolver.Resolve(ctx, s.ModelID, r.progress)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.ModelID, err)
	}
	switch res.Status {
	case registry.Resolved:
	case registry.Unimplemented:
		return nil, &ModelError{ModelID: s.ModelID, Kind: ErrUnimplementedModel, Reason: res.Reason}
	default:
		return nil, &ModelError{ModelID: s.ModelID, Kind: ErrUnresolvedModel, Reason: res.Reason}
	}

	fam, ok := r.families[res.Family]
	if !ok {
		return nil, &ModelError{ModelID: s.ModelID, Kind: ErrUnresolvedModel, Reason: fmt.Sprintf("unknown family %q", res.Family)}
	}
	if s.NLayers != fam.Args.Layers {
		return nil, fmt.Errorf("shard %s: model has %d layers", s, fam.Args.Layers)
	}

	weights, err := checkpoint.Load(res.Path, fam.Files)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	weights, err = convert.Canonicalize(weights, fam.Args, s)
	if err != nil {
		return nil, err
	}
	if r.quantize == "int8" {
		if weights, err = quant.Quantize(weights, r.blockSize); err != nil {
			return nil, err
		}
	}
	w, err := partition.Apply(weights, partition.MakePlan(weights, r.mesh), r.mesh)
	if err != nil {
		return nil, err
	}
	w.BlockSize = r.blockSize
	inst, err := model.Build(s, fam.Args, w)
	if err != nil {
		return nil, err
	}

	tok, err := r.loadTokenizer(tokenizerDir(res.Path))
	if err != nil {
		inst.Release()
		return nil, fmt.Errorf("tokenizer for %s: %w", s.ModelID, err)
	}
	return &Loaded{Shard: s, Model: inst, Tokenizer: tok, Path: res.Path}, nil
}

func tokenizerDir(path string) string {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func failureKind(err error) string {
	var me *ModelError
	switch {
	case errors.As(err, &me):
		return "resolve"
	case errors.Is(err, checkpoint.ErrCheckpointFormat):
		return "format"
	case errors.Is(err, convert.ErrUnsupportedLayout):
		return "layout"
	case errors.Is(err, model.ErrWeightMismatch):
		return "weights"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
