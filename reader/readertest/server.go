// Package readertest provides an in-process websocket feed for reader tests.
package readertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a websocket feed that sends a fixed list of frames to every
// connection and records what clients send back.
type Server struct {
	*httptest.Server

	// Received carries every text frame sent by clients.
	Received chan string

	mu          sync.Mutex
	connections int
	frames      []string
	closeAfter  bool
}

// NewServer starts a feed that sends frames in order after each connect and
// then keeps the connection open until the client goes away.
func NewServer(frames ...string) *Server {
	return newServer(false, frames)
}

// NewClosingServer sends frames and then closes the connection.
func NewClosingServer(frames ...string) *Server {
	return newServer(true, frames)
}

func newServer(closeAfter bool, frames []string) *Server {
	s := &Server{
		Received:   make(chan string, 64),
		frames:     frames,
		closeAfter: closeAfter,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Connections is the number of accepted websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case s.Received <- string(msg):
			default:
			}
		}
	}()

	// give the client a moment to send its subscription first
	time.Sleep(20 * time.Millisecond)
	for _, f := range s.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}

	if s.closeAfter {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
		return
	}
	<-done
}
