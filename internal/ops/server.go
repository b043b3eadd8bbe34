// Package ops serves health, status and Prometheus metrics over HTTP.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/logger"
	"bookstream/reader"
)

const defaultPort = "2112"

// Providers supply the live state reported by /status. Nil providers are
// reported as empty.
type Providers struct {
	Symbol   string
	Sources  func() []reader.SourceStatus
	Bus      func() bus.Stats
	Sessions func() int
}

type Status struct {
	Symbol     string                   `json:"symbol"`
	Sources    []reader.SourceStatus    `json:"sources"`
	Bus        bus.Stats                `json:"bus"`
	Sessions   int                      `json:"sessions"`
	Components []logger.ComponentCounts `json:"components"`
}

// Server hosts the ops endpoints.
type Server struct {
	address    string
	providers  Providers
	log        *logger.Log
	incidents  *incidentLog
	httpServer *http.Server
}

func NewServer(address string, providers Providers, log *logger.Log) *Server {
	incidents := newIncidentLog(50)
	log.AddHook(incidents)
	return &Server{
		address:   normalizeAddress(address),
		providers: providers,
		log:       log,
		incidents: incidents,
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	return s.address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.incidents.detach()

	s.httpServer = &http.Server{
		Addr:              s.address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("ops").WithField("address", s.address).Info("ops server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) status() Status {
	st := Status{
		Symbol:     s.providers.Symbol,
		Sources:    []reader.SourceStatus{},
		Components: logger.Counts(),
	}
	if s.providers.Sources != nil {
		st.Sources = s.providers.Sources()
	}
	if s.providers.Bus != nil {
		st.Bus = s.providers.Bus()
	}
	if s.providers.Sessions != nil {
		st.Sessions = s.providers.Sessions()
	}
	return st
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// healthy while at least one feed is connected
	router.GET("/healthz", func(c *gin.Context) {
		st := s.status()
		connected := 0
		for _, src := range st.Sources {
			if src.Connected {
				connected++
			}
		}
		code, state := http.StatusOK, "ok"
		if connected == 0 {
			code, state = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": state, "connected_sources": connected})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status())
	})

	// ?component=binance_reader narrows to one part, ?session_id= to one session
	router.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.incidents.query(c.Query("component"), c.Query("session_id"))})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}
