package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/logger"
)

type State int32

const (
	StateActive State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type SessionOptions struct {
	// Depth is the number of levels kept per side; zero means DefaultDepth.
	Depth int
	// Kind labels the sink in logs and metrics ("grpc", "kafka", "archive").
	Kind string
}

// Session turns the events of one bus subscription into summaries for one
// sink. It owns both handles and releases the subscription when Run returns.
type Session struct {
	id    uuid.UUID
	sub   *bus.Subscription
	sink  Sink
	depth int
	kind  string
	state atomic.Int32
	sent  atomic.Uint64
	log   *logger.Log
}

func NewSession(sub *bus.Subscription, sink Sink, opts SessionOptions) *Session {
	if opts.Kind == "" {
		opts.Kind = "default"
	}
	return &Session{
		id:    uuid.New(),
		sub:   sub,
		sink:  sink,
		depth: opts.Depth,
		kind:  opts.Kind,
		log:   logger.GetLogger(),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Sent is the number of summaries accepted by the sink.
func (s *Session) Sent() uint64 { return s.sent.Load() }

// Run receives, ranks and forwards until the bus closes, ctx is cancelled or
// the sink fails. Only a sink failure is reported as an error.
func (s *Session) Run(ctx context.Context) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"session_id": s.id.String(),
		"sink":       s.kind,
	})
	log.Info("session started")

	metrics.SessionsActive.Inc()
	defer func() {
		s.sub.Close()
		s.state.Store(int32(StateTerminated))
		metrics.SessionsActive.Dec()
		log.WithFields(logger.Fields{
			"sent":    s.sent.Load(),
			"dropped": s.sub.Dropped(),
		}).Info("session terminated")
	}()

	summaries := metrics.SummariesSent.WithLabelValues(s.kind)
	for {
		ev, err := s.sub.Recv(ctx)
		if err != nil {
			s.state.Store(int32(StateDraining))
			if errors.Is(err, bus.ErrClosed) {
				log.Info("bus closed, shutting session down")
			} else {
				log.Debug("session cancelled")
			}
			return nil
		}

		summary := Rank(ev.Update, s.depth)
		if err := s.sink.Send(ctx, summary); err != nil {
			s.state.Store(int32(StateDraining))
			if ctx.Err() != nil {
				log.Debug("session cancelled during send")
				return nil
			}
			log.WithError(err).Warn("outbound send failed, ending session")
			if errors.Is(err, ErrSubscriberGone) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrSubscriberGone, err)
		}
		s.sent.Add(1)
		summaries.Inc()
	}
}
