package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bookstream/aggregator"
	"bookstream/api/orderbook"
	"bookstream/internal/bus"
	"bookstream/logger"
)

type Options struct {
	// Depth is the number of levels per side in each summary.
	Depth int
	// SessionBuffer is the number of summaries queued per client before the
	// session waits on the stream.
	SessionBuffer int
}

// Server is the OrderbookAggregator service front. Every BookSummary call
// gets its own bus subscription and aggregation session.
type Server struct {
	bus  *bus.Bus
	opts Options
	log  *logger.Log

	mu       sync.Mutex
	sessions map[uuid.UUID]*aggregator.Session
	quit     chan struct{}
	stopOnce sync.Once
}

func New(b *bus.Bus, opts Options) *Server {
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = 1
	}
	return &Server{
		bus:      b,
		opts:     opts,
		log:      logger.GetLogger(),
		sessions: make(map[uuid.UUID]*aggregator.Session),
		quit:     make(chan struct{}),
	}
}

// ActiveSessions is the number of connected subscribers.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(session *aggregator.Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
}

func (s *Server) untrack(session *aggregator.Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
}

func (s *Server) BookSummary(_ *orderbook.Empty, stream orderbook.OrderbookAggregator_BookSummaryServer) error {
	sub, err := s.bus.Subscribe()
	if err != nil {
		return status.Error(codes.Unavailable, "order book feed is shutting down")
	}

	sink := aggregator.NewChanSink(s.opts.SessionBuffer)
	session := aggregator.NewSession(sub, sink, aggregator.SessionOptions{Depth: s.opts.Depth, Kind: "grpc"})
	s.track(session)
	defer s.untrack(session)

	log := s.log.WithComponent("grpc_server").WithField("session_id", session.ID().String())
	log.Info("subscriber connected")

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- session.Run(ctx) }()

	for {
		select {
		case sum := <-sink.C():
			if err := stream.Send(orderbook.FromModel(sum)); err != nil {
				sink.Close()
				cancel()
				<-errc
				log.WithError(err).Info("subscriber disconnected")
				return err
			}
		case err := <-errc:
			return s.finish(stream, sink, err, log)
		}
	}
}

// finish flushes summaries queued before the session ended and maps the
// reason to a status.
func (s *Server) finish(stream orderbook.OrderbookAggregator_BookSummaryServer, sink *aggregator.ChanSink, err error, log *logger.Entry) error {
	if stream.Context().Err() != nil {
		log.Info("subscriber disconnected")
		return status.FromContextError(stream.Context().Err()).Err()
	}
	for drained := false; !drained; {
		select {
		case sum := <-sink.C():
			if sendErr := stream.Send(orderbook.FromModel(sum)); sendErr != nil {
				return sendErr
			}
		default:
			drained = true
		}
	}
	if err != nil {
		log.WithError(err).Warn("session failed")
		return status.Error(codes.Internal, err.Error())
	}
	log.Info("session ended, closing stream")
	return status.Error(codes.Unavailable, "order book feed stopped")
}

// Serve runs the gRPC server on lis until ctx is cancelled, then ends every
// stream and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	orderbook.RegisterOrderbookAggregatorServer(gs, s)

	log := s.log.WithComponent("grpc_server").WithField("address", lis.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Info("stopping gRPC server")
		s.stopOnce.Do(func() { close(s.quit) })
		gs.GracefulStop()
	}()

	log.Info("gRPC server listening")
	err := gs.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
	}
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	log.Info("gRPC server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}
