package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/loader"
	"github.com/23skdu/longbow-shard/internal/model/modeltest"
	"github.com/23skdu/longbow-shard/internal/registry"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type fixedResolver struct{ path string }

func (r fixedResolver) Resolve(context.Context, string, registry.Progress) (registry.Resolution, error) {
	return registry.Resolution{Status: registry.Resolved, Path: r.path, Family: "tiny"}, nil
}

// byteTokenizer maps every byte to one token id.
type byteTokenizer struct{ eos int }

func (b byteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i]) % modeltest.Args().VocabSize
	}
	return ids
}

func (b byteTokenizer) Decode(ids []int) string { return "" }
func (b byteTokenizer) EOS() int { return b.eos }

func newTestEngine(t *testing.T, dir string, eos int, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Families = map[string]config.Family{"tiny": {Args: modeltest.Args(), Files: 1}}
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := loader.New(&cfg, fixedResolver{path: dir})
	if err != nil {
		t.Fatal(err)
	}
	rt.SetTokenizerLoader(func(string) (loader.Tokenizer, error) { return byteTokenizer{eos: eos}, nil })
	return New(rt, &cfg)
}

func checkpointDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := modeltest.WriteCheckpoint(dir, modeltest.Weights(modeltest.Args(), 42)); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testShard(t *testing.T, start, end int) shard.Shard {
	t.Helper()
	s, err := shard.New("tiny", start, end, modeltest.Args().Layers)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDecodePromptAdvancesPosition(t *testing.T) {
	e := newTestEngine(t, checkpointDir(t), -1, nil)
	whole := testShard(t, 0, 4)
	ctx := context.Background()

	out, state, done, err := e.DecodePrompt(ctx, "req", whole, "hello", "")
	if err != nil {
		t.Fatalf("DecodePrompt: %v", err)
	}
	if !out.HasToken || out.Hidden != nil || done {
		t.Fatalf("unexpected output %+v done=%v", out, done)
	}
	st, _ := DecodeState(state)
	if st.StartPos != 5 {
		t.Errorf("start_pos = %d, want 5", st.StartPos)
	}

	// Feeding the token back continues the sequence by one position.
	_, state, _, err = e.DecodeTensor(ctx, "req", whole, out.Tensor(), state)
	if err != nil {
		t.Fatalf("DecodeTensor: %v", err)
	}
	if st, _ = DecodeState(state); st.StartPos != 6 {
		t.Errorf("start_pos = %d, want 6", st.StartPos)
	}
}

func TestDecodeEndOfSequence(t *testing.T) {
	dir := checkpointDir(t)
	whole := testShard(t, 0, 4)
	ctx := context.Background()

	greedy := newTestEngine(t, dir, -1, nil)
	out, _, _, err := greedy.DecodePrompt(ctx, "req", whole, "abc", "")
	if err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, dir, out.Token, nil)
	got, _, done, err := e.DecodePrompt(ctx, "req", whole, "abc", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != out.Token || !done {
		t.Errorf("token %d done=%v, want %d done", got.Token, done, out.Token)
	}
}

func TestPipelineMatchesWholeModel(t *testing.T) {
	dir := checkpointDir(t)
	ctx := context.Background()
	whole := newTestEngine(t, dir, -1, nil)
	head := newTestEngine(t, dir, -1, nil)
	tail := newTestEngine(t, dir, -1, nil)
	first, second, all := testShard(t, 0, 2), testShard(t, 2, 4), testShard(t, 0, 4)

	want, wantState, _, err := whole.DecodePrompt(ctx, "r", all, "pipeline", "")
	if err != nil {
		t.Fatal(err)
	}

	hidden, state, done, err := head.DecodePrompt(ctx, "r", first, "pipeline", "")
	if err != nil {
		t.Fatal(err)
	}
	if hidden.HasToken || done {
		t.Fatal("tensor outputs are never tokens or done")
	}
	if got := hidden.Hidden.Shape; len(got) != 2 || got[0] != 8 || got[1] != modeltest.Args().Dim {
		t.Fatalf("hidden shape = %v, want (8, %d)", got, modeltest.Args().Dim)
	}
	if st, _ := DecodeState(state); st.StartPos != 0 {
		t.Errorf("hidden output moved start_pos to %d", st.StartPos)
	}

	got, state, _, err := tail.DecodeTensor(ctx, "r", second, hidden.Tensor(), state)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != want.Token || state != wantState {
		t.Fatalf("pipeline gave %d %s, whole model %d %s", got.Token, state, want.Token, wantState)
	}

	// One more generation step through both halves.
	want, _, _, err = whole.DecodeTensor(ctx, "r", all, want.Tensor(), wantState)
	if err != nil {
		t.Fatal(err)
	}
	hidden, state, _, err = head.DecodeTensor(ctx, "r", first, got.Tensor(), state)
	if err != nil {
		t.Fatal(err)
	}
	got, _, _, err = tail.DecodeTensor(ctx, "r", second, hidden.Tensor(), state)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != want.Token {
		t.Errorf("second step: pipeline %d, whole model %d", got.Token, want.Token)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	dir := checkpointDir(t)
	ctx := context.Background()
	all := testShard(t, 0, 4)

	solo := newTestEngine(t, dir, -1, nil)
	want, _, _, err := solo.DecodePrompt(ctx, "a", all, "first request", "")
	if err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, dir, -1, nil)
	if _, _, _, err := e.DecodePrompt(ctx, "a", all, "first", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := e.DecodePrompt(ctx, "b", all, "an unrelated prompt", ""); err != nil {
		t.Fatal(err)
	}
	got, _, _, err := e.DecodePrompt(ctx, "a", all, " request", `{"start_pos": 5}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != want.Token {
		t.Errorf("interleaved request gave %d, want %d", got.Token, want.Token)
	}
	if e.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", e.Sessions())
	}
}

func TestStaleState(t *testing.T) {
	e := newTestEngine(t, checkpointDir(t), -1, nil)
	_, _, _, err := e.DecodeTensor(context.Background(), "fresh", testShard(t, 0, 4),
		tensor.New([]int{1}, []float32{3}), `{"start_pos": 4}`)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	e := newTestEngine(t, checkpointDir(t), -1, nil)
	ctx := context.Background()
	all, second := testShard(t, 0, 4), testShard(t, 2, 4)
	dim := modeltest.Args().Dim

	if _, _, _, err := e.DecodePrompt(ctx, "r", all, "", ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prompt: %v", err)
	}
	if _, _, _, err := e.DecodePrompt(ctx, "r", all, "x", "bogus"); err == nil {
		t.Error("expected state decode error")
	}
	if _, _, _, err := e.DecodePrompt(ctx, "r", second, "x", ""); !errors.Is(err, ErrBadInput) {
		t.Errorf("prompt on non-first shard: %v", err)
	}

	inputs := []struct {
		name  string
		shard shard.Shard
		in    *tensor.Tensor
	}{
		{"nil", all, nil},
		{"two tokens", all, tensor.New([]int{2}, []float32{1, 2})},
		{"fractional token", all, tensor.New([]int{1}, []float32{1.5})},
		{"negative token", all, tensor.New([]int{1}, []float32{-1})},
		{"short activation", second, tensor.Zeros(1, dim-1)},
		{"int8 activation", second, tensor.NewInt8([]int{dim}, make([]int8, dim))},
	}
	for _, tt := range inputs {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := e.DecodeTensor(ctx, "r", tt.shard, tt.in, ""); !errors.Is(err, ErrBadInput) {
				t.Errorf("err = %v, want ErrBadInput", err)
			}
		})
	}
}

func TestEvictionDropsSessions(t *testing.T) {
	e := newTestEngine(t, checkpointDir(t), -1, nil)
	ctx := context.Background()
	if _, _, _, err := e.DecodePrompt(ctx, "r", testShard(t, 0, 2), "abc", ""); err != nil {
		t.Fatal(err)
	}
	if e.Sessions() != 1 {
		t.Fatalf("sessions = %d, want 1", e.Sessions())
	}
	if err := e.EnsureShard(ctx, testShard(t, 2, 4)); err != nil {
		t.Fatal(err)
	}
	if e.Sessions() != 0 {
		t.Errorf("sessions after eviction = %d, want 0", e.Sessions())
	}
	if e.Runtime().Loads() != 2 {
		t.Errorf("loads = %d, want 2", e.Runtime().Loads())
	}
}

func TestSessionCapacity(t *testing.T) {
	e := newTestEngine(t, checkpointDir(t), -1, func(c *config.Config) { c.MaxSessions = 2 })
	ctx := context.Background()
	all := testShard(t, 0, 4)
	for _, id := range []string{"a", "b", "c"} {
		if _, _, _, err := e.DecodePrompt(ctx, id, all, "hi", ""); err != nil {
			t.Fatal(err)
		}
	}
	if e.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", e.Sessions())
	}
	// "a" was evicted, so resuming it is stale.
	_, _, _, err := e.DecodeTensor(ctx, "a", all, tensor.New([]int{1}, []float32{1}), `{"start_pos": 2}`)
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("err = %v, want ErrStaleState", err)
	}
}
