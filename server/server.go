package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	apachelog "github.com/lestrrat-go/apache-logformat/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrInvalidKey    = errors.New("invalid secret key provided")
	ErrNoClientID    = errors.New("required client id header is missing")
	ErrNoProxyTarget = errors.New("no proxy target found for request")
	ErrInvalidData   = errors.New("invalid data received")
)

const cleanInterval = 5 * time.Second

// Server is a reverse HTTP proxy over WebSocket. Clients register
// multiplexed connections with it; each registered client's connections
// are tracked in a pool.Pool (see clientpool.go) that governs how many
// proxied requests may run concurrently against that client and how many
// more may queue while all of them are busy.
type Server struct {
	Config   *Config
	upgrader websocket.Upgrader
	registry *registry
	metrics  *Metrics
	allow    AllowedIPs
	server   *http.Server

	done chan struct{}
}

// NewServer returns a new Server instance.
func NewServer(config *Config) *Server {
	s := &Server{
		Config:   config,
		upgrader: websocket.Upgrader{},
		metrics:  getMetrics(),
		done:     make(chan struct{}),
	}
	s.registry = newRegistry(s)

	return s
}

// Start begins serving HTTP and runs the background cleaner. TLSConfig,
// AccessLogFormat and AccessLogOutput on Config, if set, are honored; an
// app wrapper sets these up front (certmagic, an apache-format log file)
// before calling Start.
func (s *Server) Start() {
	s.allow = MakeIPs(s.Config.Upstreams)

	wrap := func(h http.Handler) http.Handler { return h }

	if s.Config.AccessLogOutput != nil {
		format := s.Config.AccessLogFormat
		if format == "" {
			format = DefaultAccessLogFormat
		}

		if logger, err := apachelog.New(format); err == nil {
			wrap = func(h http.Handler) http.Handler {
				return logger.Wrap(h, s.Config.AccessLogOutput)
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.HandleRegister()) // no apache log; this is a protocol upgrade.
	mux.Handle("/request/", wrap(http.StripPrefix("/request",
		s.metrics.Wrap(s.validateUpstream(s.HandleRequest("")).ServeHTTP, "request"))))
	mux.Handle("/stats", wrap(http.HandlerFunc(s.HandleStats)))
	mux.Handle("/metrics", wrap(promhttp.Handler()))
	mux.Handle("/status", wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "ok", http.StatusOK)
	})))

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port),
		Handler:     mux,
		ReadTimeout: s.Config.Timeout,
		ErrorLog:    nil,
		TLSConfig:   s.Config.TLSConfig,
	}

	go s.cleanLoop()

	go func() {
		var err error

		switch {
		case s.Config.TLSConfig != nil:
			err = s.server.ListenAndServeTLS("", "")
		case s.Config.SSLCrtPath != "" && s.Config.SSLKeyPath != "":
			err = s.server.ListenAndServeTLS(s.Config.SSLCrtPath, s.Config.SSLKeyPath)
		default:
			err = s.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) && s.Config.Logger != nil {
			s.Config.Logger.Errorf("web server stopped: %v", err)
		}
	}()
}

func (s *Server) cleanLoop() {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pools, conns := s.registry.clean()
			if s.metrics != nil {
				s.metrics.Pools.Set(float64(pools))
				s.metrics.Conns.Set(float64(conns))
			}
		}
	}
}

// Shutdown stops the HTTP server and every registered client's pool.
func (s *Server) Shutdown() {
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeout)
	defer cancel()

	_ = s.server.Shutdown(ctx)
	s.registry.shutdown()
}
