package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/broker"
	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:4300"

// Broker is what the gateway needs from a broker session.
type Broker interface {
	Status() broker.Status
	Arena() *decision.Arena
	Subscribe(buffer int) *stream.Subscription
	ObserveDecisions(fn decision.Observer)
	OnStatus(fn func(broker.Status))
}

// Server is the operator HTTP API.
type Server struct {
	broker  Broker
	feed    *Feed
	log     *slog.Logger
	handler http.Handler

	respondTimeout time.Duration

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Config configures a Server.
type Config struct {
	Addr           string
	RespondTimeout time.Duration
	Logger         *slog.Logger
}

// New creates a gateway for b and subscribes to its decisions and status.
func New(b Broker, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	if cfg.RespondTimeout <= 0 {
		cfg.RespondTimeout = decision.DefaultRespondTimeout
	}
	s := &Server{
		broker:         b,
		feed:           NewFeed(log),
		log:            log,
		respondTimeout: cfg.RespondTimeout,
	}
	b.ObserveDecisions(s.feed.PublishDecision)
	b.OnStatus(s.feed.PublishStatus)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = withLogging(log, mux)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Feed returns the live feed.
func (s *Server) Feed() *Feed {
	return s.feed
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("GET /requests", s.handleListRequests)
	mux.HandleFunc("GET /requests/{id}", s.handleGetRequest)
	mux.HandleFunc("PUT /requests/{id}/body", s.handleEditRequest)
	mux.HandleFunc("POST /requests/{id}/submit", s.handleSubmitRequest)
	mux.HandleFunc("DELETE /requests/{id}", s.handleDismissRequest)

	mux.HandleFunc("GET /ws", s.handleFeed)
}

// Start listens on addr and serves until Stop. It returns the bound address.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil, errors.New("gateway already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	s.done = make(chan struct{})
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sub := s.broker.Subscribe(stream.DefaultSubscriberBuffer)
	go s.feed.Relay(ctx, sub)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway server error", "error", err)
		}
	}()
	s.log.Info("gateway listening", "address", ln.Addr().String())
	return ln.Addr(), nil
}

// Stop closes feed clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, done := s.srv, s.cancel, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.feed.Close()
	cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}
