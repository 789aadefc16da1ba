package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/wire"
)

// Client sends activations to one peer.
type Client struct {
	addr   string
	client flight.Client
	mem    memory.Allocator
}

// Dial connects to the peer at addr (host:port).
func Dial(addr string) (*Client, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client for %s: %w", addr, err)
	}
	return &Client{addr: addr, client: c, mem: memory.NewGoAllocator()}, nil
}

// Send streams a and waits for the peer to acknowledge it.
func (c *Client) Send(ctx context.Context, a Activation) error {
	desc, err := descriptor(a)
	if err != nil {
		return err
	}
	rec, err := wire.Record(c.mem, a.Tensor)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut to %s: %w", c.addr, err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(desc)
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write activation: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return fmt.Errorf("peer %s rejected activation: %w", c.addr, err)
	}
	metrics.ActivationsTransferred.WithLabelValues("out").Inc()
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
