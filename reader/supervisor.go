package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/logger"
)

const (
	StateRunning = "running"
	StateBackoff = "backoff"
	StateFailed  = "failed"
	StateStopped = "stopped"
)

type SupervisorOptions struct {
	// Reconnect restarts a reader after it exits. When false a failed
	// source stays down.
	Reconnect bool
	// Backoff is the template for each reader's reconnect delays.
	Backoff backoff.Backoff
	// StableAfter resets the backoff once a connection lasted this long.
	StableAfter time.Duration
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() backoff.Backoff {
	return backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// SourceStatus describes one supervised reader.
type SourceStatus struct {
	Source    string    `json:"source"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	Stats     Stats     `json:"stats"`
}

// Supervisor runs every reader in its own goroutine and restarts it with
// exponential backoff when its connection ends.
type Supervisor struct {
	readers []*Reader
	opts    SupervisorOptions

	mu      sync.RWMutex
	status  map[*Reader]*SourceStatus
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewSupervisor(opts SupervisorOptions, readers ...*Reader) *Supervisor {
	s := &Supervisor{
		readers: readers,
		opts:    opts,
		status:  make(map[*Reader]*SourceStatus, len(readers)),
		log:     logger.GetLogger(),
	}
	for _, r := range readers {
		s.status[r] = &SourceStatus{
			Source: r.Source().String(),
			State:  StateStopped,
			Since:  time.Now(),
		}
	}
	return s
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	if len(s.readers) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no readers to supervise")
	}
	s.running = true
	s.mu.Unlock()

	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"readers":   len(s.readers),
		"reconnect": s.opts.Reconnect,
	}).Info("starting supervisor")

	for _, r := range s.readers {
		s.wg.Add(1)
		go s.supervise(ctx, r)
	}
	return nil
}

// Stop waits for every reader goroutine to exit. The caller cancels the
// context passed to Start.
func (s *Supervisor) Stop() {
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.WithComponent("supervisor").Info("supervisor stopped")
}

// Status returns one entry per reader in construction order.
func (s *Supervisor) Status() []SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceStatus, 0, len(s.readers))
	for _, r := range s.readers {
		st := *s.status[r]
		st.Connected = r.Connected()
		st.Stats = r.Stats()
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) setState(r *Reader, state string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[r]
	st.State = state
	st.Since = time.Now()
	if err != nil {
		st.LastError = err.Error()
	}
}

func (s *Supervisor) supervise(ctx context.Context, r *Reader) {
	defer s.wg.Done()

	src := r.Source().String()
	log := s.log.WithComponent("supervisor").WithField("source", src)
	delays := &backoff.Backoff{
		Min:    s.opts.Backoff.Min,
		Max:    s.opts.Backoff.Max,
		Factor: s.opts.Backoff.Factor,
		Jitter: s.opts.Backoff.Jitter,
	}

	for {
		s.setState(r, StateRunning, nil)
		started := time.Now()
		err := r.Run(ctx)

		if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
			s.setState(r, StateStopped, nil)
			log.Info("reader stopped")
			return
		}
		if err == nil {
			err = errors.New("connection ended")
		}

		if !s.opts.Reconnect {
			s.setState(r, StateFailed, err)
			log.WithError(err).Error("reader failed, source will not contribute further updates")
			return
		}

		if s.opts.StableAfter > 0 && time.Since(started) >= s.opts.StableAfter {
			delays.Reset()
		}
		delay := delays.Duration()
		s.setState(r, StateBackoff, err)
		log.WithError(err).WithFields(logger.Fields{
			"attempt": int(delays.Attempt()),
			"delay":   delay.String(),
		}).Warn("reader exited, reconnecting")

		if waitForReconnect(ctx, delay) {
			s.setState(r, StateStopped, nil)
			return
		}

		s.mu.Lock()
		s.status[r].Restarts++
		s.mu.Unlock()
		metrics.ReaderRestarts.WithLabelValues(src).Inc()
	}
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
