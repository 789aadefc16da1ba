package transport

import (
	"context"
	"fmt"
	"sync"
)

// MockSender records activations in memory and optionally hands them
// straight to a Handler, standing in for a remote peer in tests and
// single-process pipelines.
type MockSender struct {
	mu      sync.Mutex
	closed  bool
	sent    []Activation
	Deliver Handler
}

func NewMockSender(deliver Handler) *MockSender {
	return &MockSender{Deliver: deliver}
}

func (m *MockSender) Send(ctx context.Context, a Activation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("sender closed")
	}
	m.sent = append(m.sent, a)
	deliver := m.Deliver
	m.mu.Unlock()

	if deliver != nil {
		return deliver.HandleActivation(ctx, a)
	}
	return nil
}

func (m *MockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MockSender) Sent() []Activation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Activation(nil), m.sent...)
}

// Reset clears the recorded activations.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
