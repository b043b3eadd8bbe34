package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/logger"
	"bookstream/models"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultPublishWarnThreshold = 100
	defaultDecodeWarnThreshold  = 50
	controlWriteTimeout         = time.Second
)

var (
	// ErrDecode marks a frame that does not match the feed's schema.
	ErrDecode = errors.New("decode error")
	// ErrReconnectRequested is returned by Run when the feed asked the client
	// to reconnect.
	ErrReconnectRequested = errors.New("feed requested reconnect")
)

// TransportError is a connection level failure: dial, handshake or read.
type TransportError struct {
	Source models.Source
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Codec holds everything that differs between feeds.
type Codec interface {
	Source() models.Source
	Endpoint(symbol string) string
	// SubscribeMessage and UnsubscribeMessage return nil when the feed has no
	// control handshake.
	SubscribeMessage(symbol string) []byte
	UnsubscribeMessage(symbol string) []byte
	Decode(raw []byte) (models.Payload, error)
}

// Publisher receives normalized updates. *bus.Bus implements it.
type Publisher interface {
	Publish(u models.BookUpdate) (int, error)
}

type Options struct {
	Symbol               string
	HandshakeTimeout     time.Duration
	ReadTimeout          time.Duration
	PublishWarnThreshold int
	DecodeWarnThreshold  int
	Dialer               *websocket.Dialer
}

type Stats struct {
	Received        uint64 `json:"received"`
	Published       uint64 `json:"published"`
	Heartbeats      uint64 `json:"heartbeats"`
	DecodeErrors    uint64 `json:"decode_errors"`
	PublishFailures uint64 `json:"publish_failures"`
}

// Reader keeps one websocket connection to one feed and publishes every book
// update it carries.
type Reader struct {
	codec     Codec
	publisher Publisher
	opts      Options
	component string
	log       *logger.Log

	connected       atomic.Bool
	received        atomic.Uint64
	published       atomic.Uint64
	heartbeats      atomic.Uint64
	decodeErrors    atomic.Uint64
	publishFailures atomic.Uint64
}

func New(codec Codec, publisher Publisher, opts Options) *Reader {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PublishWarnThreshold <= 0 {
		opts.PublishWarnThreshold = defaultPublishWarnThreshold
	}
	if opts.DecodeWarnThreshold <= 0 {
		opts.DecodeWarnThreshold = defaultDecodeWarnThreshold
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	r := &Reader{
		codec:     codec,
		publisher: publisher,
		opts:      opts,
		component: codec.Source().String() + "_reader",
		log:       logger.GetLogger(),
	}

	r.log.WithComponent(r.component).WithFields(logger.Fields{
		"symbol":   opts.Symbol,
		"endpoint": codec.Endpoint(opts.Symbol),
	}).Info("reader initialized")
	return r
}

func (r *Reader) Source() models.Source { return r.codec.Source() }

// Connected reports whether a connection is currently established.
func (r *Reader) Connected() bool { return r.connected.Load() }

func (r *Reader) Stats() Stats {
	return Stats{
		Received:        r.received.Load(),
		Published:       r.published.Load(),
		Heartbeats:      r.heartbeats.Load(),
		DecodeErrors:    r.decodeErrors.Load(),
		PublishFailures: r.publishFailures.Load(),
	}
}

// Run performs one connection lifetime. It returns nil when ctx is cancelled,
// bus.ErrClosed when there is nobody left to publish to, and otherwise the
// error that ended the connection.
func (r *Reader) Run(ctx context.Context) error {
	src := r.codec.Source()
	endpoint := r.codec.Endpoint(r.opts.Symbol)
	log := r.log.WithComponent(r.component).WithFields(logger.Fields{
		"symbol":   r.opts.Symbol,
		"endpoint": endpoint,
	})

	dialer := *r.opts.Dialer
	dialer.HandshakeTimeout = r.opts.HandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &TransportError{Source: src, Op: "dial", Err: err}
	}

	if msg := r.codec.SubscribeMessage(r.opts.Symbol); msg != nil {
		conn.SetWriteDeadline(time.Now().Add(r.opts.HandshakeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			return &TransportError{Source: src, Op: "subscribe", Err: err}
		}
		conn.SetWriteDeadline(time.Time{})
	}

	var once sync.Once
	shutdown := func() { once.Do(func() { r.shutdown(conn, log) }) }
	stop := context.AfterFunc(ctx, shutdown)
	defer func() {
		stop()
		shutdown()
	}()

	r.connected.Store(true)
	metrics.ReaderUp.WithLabelValues(src.String()).Set(1)
	defer func() {
		r.connected.Store(false)
		metrics.ReaderUp.WithLabelValues(src.String()).Set(0)
	}()
	log.Info("connected to feed")

	err = r.receive(ctx, conn, log)
	if ctx.Err() != nil {
		log.Info("reader stopped due to context cancellation")
		return nil
	}
	return err
}

// shutdown unwinds the subscription, sends a close frame and closes the socket.
func (r *Reader) shutdown(conn *websocket.Conn, log *logger.Entry) {
	deadline := time.Now().Add(controlWriteTimeout)
	if msg := r.codec.UnsubscribeMessage(r.opts.Symbol); msg != nil {
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.WithError(err).Debug("failed to send unsubscribe")
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
		log.WithError(err).Debug("failed to send close frame")
	}
	conn.Close()
}

func (r *Reader) receive(ctx context.Context, conn *websocket.Conn, log *logger.Entry) error {
	src := r.codec.Source()
	label := src.String()
	var consecutiveDecode, consecutivePublish int

	for {
		if r.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Source: src, Op: "read", Err: err}
		}
		r.received.Add(1)
		metrics.ReaderMessages.WithLabelValues(label).Inc()

		payload, err := r.codec.Decode(raw)
		if err != nil {
			r.decodeErrors.Add(1)
			metrics.ReaderDecodeErrors.WithLabelValues(label).Inc()
			consecutiveDecode++
			if consecutiveDecode%r.opts.DecodeWarnThreshold == 0 {
				log.WithError(err).WithFields(logger.Fields{
					"consecutive": consecutiveDecode,
					"total":       r.decodeErrors.Load(),
				}).Warn("feed frames keep failing to decode")
			}
			continue
		}
		consecutiveDecode = 0

		if rr, ok := payload.(interface{ ReconnectRequested() bool }); ok && rr.ReconnectRequested() {
			log.Info("feed requested reconnect")
			return ErrReconnectRequested
		}

		update, ok := payload.Normalize(r.opts.Symbol, time.Now())
		if !ok {
			r.heartbeats.Add(1)
			continue
		}

		if _, err := r.publisher.Publish(update); err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return err
			}
			r.publishFailures.Add(1)
			metrics.ReaderPublishFailures.WithLabelValues(label).Inc()
			consecutivePublish++
			if consecutivePublish >= r.opts.PublishWarnThreshold {
				log.WithError(err).WithField("consecutive", consecutivePublish).Warn("book updates are not reaching any subscriber")
				consecutivePublish = 0
			}
			continue
		}
		consecutivePublish = 0
		r.published.Add(1)
		metrics.ReaderPublished.WithLabelValues(label).Inc()
	}
}
