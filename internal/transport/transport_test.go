package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type recorder struct {
	mu   sync.Mutex
	got  []Activation
	fail error
}

func (r *recorder) HandleActivation(_ context.Context, a Activation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, a)
	return nil
}

func startServer(t *testing.T, h Handler) *Client {
	t.Helper()
	srv := NewServer(h)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	c, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendDeliversActivation(t *testing.T) {
	rec := &recorder{}
	c := startServer(t, rec)

	sh := shard.Shard{ModelID: "llama3-8b", StartLayer: 16, EndLayer: 32, NLayers: 32}
	hidden := tensor.New([]int{2, 3}, []float32{1, 2, 3, -4, 5.5, 6})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Send(ctx, Activation{RequestID: "req-1", Shard: sh, State: `{"start_pos":4}`, Done: true, Tensor: hidden}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 1 {
		t.Fatalf("handler saw %d activations, want 1", len(rec.got))
	}
	a := rec.got[0]
	if a.RequestID != "req-1" || a.State != `{"start_pos":4}` || !a.Done {
		t.Errorf("header = %q %q done=%v", a.RequestID, a.State, a.Done)
	}
	if diff := cmp.Diff(sh, a.Shard); diff != "" {
		t.Errorf("shard mismatch (-want +got):\n%s", diff)
	}
	if !tensor.Equal(hidden, a.Tensor) {
		t.Errorf("tensor = %v %v, want %v", a.Tensor.Shape, a.Tensor.F32, hidden.F32)
	}
}

func TestSendHandlerError(t *testing.T) {
	c := startServer(t, &recorder{fail: errors.New("stale state")})
	sh := shard.Shard{ModelID: "m", StartLayer: 0, EndLayer: 2, NLayers: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Send(ctx, Activation{RequestID: "r", Shard: sh, Tensor: tensor.New([]int{1}, []float32{3})})
	if err == nil {
		t.Fatal("expected handler error to reach the sender")
	}
}

func TestParseDescriptor(t *testing.T) {
	good := Activation{RequestID: "r", Shard: shard.Shard{ModelID: "m", StartLayer: 0, EndLayer: 1, NLayers: 2}}
	d, err := descriptor(good)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parseDescriptor(d); err != nil {
		t.Errorf("valid descriptor rejected: %v", err)
	}

	tests := []struct {
		name string
		a    Activation
	}{
		{"no request id", Activation{Shard: good.Shard}},
		{"bad shard", Activation{RequestID: "r", Shard: shard.Shard{ModelID: "m", StartLayer: 2, EndLayer: 1, NLayers: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := descriptor(tt.a)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := parseDescriptor(d); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := parseDescriptor(nil); err == nil {
		t.Error("expected error for missing descriptor")
	}
}

func TestMockSender(t *testing.T) {
	rec := &recorder{}
	m := NewMockSender(rec)
	a := Activation{RequestID: "r", Tensor: tensor.New([]int{1}, []float32{7})}

	if err := m.Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if len(m.Sent()) != 1 || len(rec.got) != 1 {
		t.Errorf("sent %d, delivered %d", len(m.Sent()), len(rec.got))
	}
	m.Reset()
	if len(m.Sent()) != 0 {
		t.Error("Reset should clear recorded activations")
	}
	m.Close()
	if err := m.Send(context.Background(), a); err == nil {
		t.Error("expected error after Close")
	}
}
