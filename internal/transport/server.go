package transport

import (
	"net"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/wire"
)

type flightService struct {
	flight.BaseFlightServer
	handler Handler
	mem     memory.Allocator
	log     *logger.Logger
}

func (s *flightService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open activation stream: %v", err)
	}
	defer rdr.Release()

	h, err := parseDescriptor(rdr.LatestFlightDescriptor())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	for rdr.Next() {
		t, err := wire.FromRecord(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		metrics.ActivationsTransferred.WithLabelValues("in").Inc()
		a := Activation{RequestID: h.RequestID, Shard: h.Shard, State: h.State, Done: h.Done, Tensor: t}
		if err := s.handler.HandleActivation(stream.Context(), a); err != nil {
			s.log.Error("Activation handler failed", "request", h.RequestID, "shard", h.Shard.String(), "error", err)
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: []byte(h.RequestID)}); err != nil {
			return err
		}
	}
	return rdr.Err()
}

// Server accepts activations from the previous peer.
type Server struct {
	srv flight.Server
	log *logger.Logger
}

func NewServer(h Handler) *Server {
	log := logger.Log.With("component", "transport")
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(&flightService{handler: h, mem: memory.NewGoAllocator(), log: log})
	return &Server{srv: srv, log: log}
}

// Listen binds addr; use ":0" for an ephemeral port.
func (s *Server) Listen(addr string) error {
	return s.srv.Init(addr)
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.log.Info("Activation server listening", "addr", s.srv.Addr().String())
	return s.srv.Serve()
}

func (s *Server) Shutdown() { s.srv.Shutdown() }
