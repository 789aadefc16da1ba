package loader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/model"
	"github.com/23skdu/longbow-shard/internal/model/modeltest"
	"github.com/23skdu/longbow-shard/internal/registry"
	"github.com/23skdu/longbow-shard/internal/shard"
)

type stubResolver struct {
	mu    sync.Mutex
	paths map[string]registry.Resolution
	calls int
	// When set, Resolve signals entered and then waits for gate to close.
	entered chan struct{}
	gate    chan struct{}
}

func (s *stubResolver) Resolve(_ context.Context, id string, _ registry.Progress) (registry.Resolution, error) {
	s.mu.Lock()
	s.calls++
	res, ok := s.paths[id]
	entered, gate := s.entered, s.gate
	s.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	if ok {
		return res, nil
	}
	return registry.Resolution{Status: registry.Unresolved, Reason: "unknown"}, nil
}

type stubTokenizer struct{}

func (stubTokenizer) Encode(string) []int { return []int{1} }
func (stubTokenizer) Decode([]int) string { return "" }
func (stubTokenizer) EOS() int { return 2 }

func newTestRuntime(t *testing.T, mutate func(*config.Config)) (*Runtime, *stubResolver) {
	t.Helper()
	dir := t.TempDir()
	if err := modeltest.WriteCheckpoint(dir, modeltest.Weights(modeltest.Args(), 1)); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Families = map[string]config.Family{"tiny": {Args: modeltest.Args(), Files: 1}}
	if mutate != nil {
		mutate(&cfg)
	}
	res := &stubResolver{paths: map[string]registry.Resolution{
		"tiny":     {Status: registry.Resolved, Path: dir, Family: "tiny"},
		"wip":      {Status: registry.Unimplemented, Reason: "not yet"},
		"orphaned": {Status: registry.Resolved, Path: dir, Family: "missing"},
	}}
	rt, err := New(&cfg, res)
	if err != nil {
		t.Fatal(err)
	}
	rt.SetTokenizerLoader(func(string) (Tokenizer, error) { return stubTokenizer{}, nil })
	return rt, res
}

func mustShard(t *testing.T, id string, start, end int) shard.Shard {
	t.Helper()
	s, err := shard.New(id, start, end, modeltest.Args().Layers)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEnsureCachesAndSwaps(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	if rt.State() != Empty || rt.Current() != nil {
		t.Fatalf("new runtime state = %v", rt.State())
	}

	var evicted []shard.Shard
	rt.OnEvict(func(l *Loaded) { evicted = append(evicted, l.Shard) })

	a := mustShard(t, "tiny", 0, 2)
	first, err := rt.Ensure(ctx, a)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	again, err := rt.Ensure(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if first != again || rt.Loads() != 1 {
		t.Fatalf("same shard reloaded: loads=%d", rt.Loads())
	}
	if rt.State() != Ready {
		t.Errorf("state = %v, want ready", rt.State())
	}

	b := mustShard(t, "tiny", 2, 4)
	second, err := rt.Ensure(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Loads() != 2 || second.Shard != b || rt.Current() != second {
		t.Errorf("different shard: loads=%d current=%v", rt.Loads(), rt.Current().Shard)
	}
	if len(evicted) != 1 || evicted[0] != a {
		t.Errorf("evicted = %v, want [%v]", evicted, a)
	}
	if got := rt.Resident(); len(got) != 1 || got[0] != b {
		t.Errorf("resident = %v", got)
	}
}

func TestEnsureLRUCapacity(t *testing.T) {
	rt, _ := newTestRuntime(t, func(c *config.Config) { c.ShardCacheSize = 2 })
	ctx := context.Background()
	a, b, c := mustShard(t, "tiny", 0, 2), mustShard(t, "tiny", 2, 4), mustShard(t, "tiny", 0, 4)

	for _, s := range []shard.Shard{a, b, a, c} {
		if _, err := rt.Ensure(ctx, s); err != nil {
			t.Fatalf("Ensure(%v): %v", s, err)
		}
	}
	if rt.Loads() != 3 {
		t.Errorf("loads = %d, want 3", rt.Loads())
	}
	got := rt.Resident()
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("resident = %v, want [%v %v]", got, a, c)
	}
}

func TestEnsureFailureKeepsPrevious(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	good := mustShard(t, "tiny", 0, 4)
	prev, err := rt.Ensure(ctx, good)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		kind error
	}{
		{"unresolved", "nope", ErrUnresolvedModel},
		{"unimplemented", "wip", ErrUnimplementedModel},
		{"unknown family", "orphaned", ErrUnresolvedModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Ensure(ctx, mustShard(t, tt.id, 0, 4))
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %v", err, tt.kind)
			}
			var me *ModelError
			if !errors.As(err, &me) || me.ModelID != tt.id {
				t.Errorf("err = %#v, want *ModelError for %s", err, tt.id)
			}
			if rt.Current() != prev || rt.State() != Ready || rt.Loads() != 1 {
				t.Errorf("failed ensure disturbed the runtime: current=%v state=%v", rt.Current().Shard, rt.State())
			}
		})
	}
}

func TestEnsureLayerMismatch(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s, err := shard.New("tiny", 0, 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Ensure(context.Background(), s); err == nil {
		t.Fatal("expected layer count mismatch")
	}
	if rt.State() != Empty {
		t.Errorf("state = %v, want empty", rt.State())
	}
}

func TestEnsureTokenizerFailure(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	rt.SetTokenizerLoader(func(string) (Tokenizer, error) { return nil, errors.New("no tokenizer.json") })
	if _, err := rt.Ensure(context.Background(), mustShard(t, "tiny", 0, 4)); err == nil {
		t.Fatal("expected tokenizer error")
	}
	if rt.Loads() != 0 || len(rt.Resident()) != 0 {
		t.Error("failed load was cached")
	}
}

func TestEnsureConcurrentSingleLoad(t *testing.T) {
	rt, res := newTestRuntime(t, nil)
	s := mustShard(t, "tiny", 0, 4)

	var wg sync.WaitGroup
	out := make([]*Loaded, 8)
	for i := range out {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := rt.Ensure(context.Background(), s)
			if err != nil {
				t.Error(err)
			}
			out[i] = l
		}()
	}
	wg.Wait()

	if rt.Loads() != 1 || res.calls != 1 {
		t.Errorf("loads=%d resolves=%d, want 1 each", rt.Loads(), res.calls)
	}
	for _, l := range out {
		if l != out[0] {
			t.Fatal("callers saw different instances")
		}
	}
}

func TestEnsureCallerCancelKeepsSharedLoad(t *testing.T) {
	rt, res := newTestRuntime(t, nil)
	res.entered = make(chan struct{}, 1)
	res.gate = make(chan struct{})
	s := mustShard(t, "tiny", 0, 4)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := rt.Ensure(ctx, s)
		first <- err
	}()
	<-res.entered

	type result struct {
		l   *Loaded
		err error
	}
	second := make(chan result, 1)
	go func() {
		l, err := rt.Ensure(context.Background(), s)
		second <- result{l, err}
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled caller got %v", err)
	}
	close(res.gate)

	got := <-second
	if got.err != nil || got.l == nil {
		t.Fatalf("waiting caller got %v", got.err)
	}
	if rt.Loads() != 1 || res.calls != 1 {
		t.Errorf("loads=%d resolves=%d, want 1 each", rt.Loads(), res.calls)
	}
	if rt.Current() != got.l {
		t.Error("shared load did not become current")
	}
}

func TestEnsureQuantizedMesh(t *testing.T) {
	rt, _ := newTestRuntime(t, func(c *config.Config) {
		c.Devices = []string{"cpu:0", "cpu:1"}
		c.Quantize = "int8"
		c.QuantBlockSize = 8
	})
	l, err := rt.Ensure(context.Background(), mustShard(t, "tiny", 0, 4))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if l.Model.Mesh().Len() != 2 {
		t.Errorf("mesh = %v", l.Model.Mesh())
	}
	logits, err := l.Model.Forward(l.Model.NewCache(), model.Input{Token: 3}, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(logits) != modeltest.Args().VocabSize {
		t.Errorf("logits len = %d", len(logits))
	}
}

func TestInvalidShard(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	if _, err := rt.Ensure(context.Background(), shard.Shard{ModelID: "tiny", StartLayer: 2, EndLayer: 1, NLayers: 4}); err == nil {
		t.Fatal("expected validation error")
	}
}
