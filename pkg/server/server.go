// Package server accepts TCP connections and hands each one to a
// handler.Handler on its own goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/niels/tinyhttpd/pkg/config"
	"github.com/niels/tinyhttpd/pkg/handler"
	"github.com/niels/tinyhttpd/pkg/logging"
	"github.com/niels/tinyhttpd/pkg/resolver"
	"github.com/niels/tinyhttpd/pkg/retry"
	"github.com/niels/tinyhttpd/pkg/stats"
	"github.com/rs/zerolog"
)

// Server is a static file server bound to one address
type Server struct {
	config    *config.Config
	handler   *handler.Handler
	tracker   stats.Tracker
	logger    zerolog.Logger
	retryOpts retry.Options

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a server for root using the server, retry and access settings
// in cfg
func New(cfg *config.Config, root *resolver.Root) *Server {
	logger := logging.WithComponent("server")

	opts := retry.FromConfig(cfg)
	opts.Logger = func(format string, args ...interface{}) {
		logger.Warn().Msgf(format, args...)
	}

	h := handler.New(root, logging.WithComponent("handler")).
		WithTimeouts(cfg.Server.ReadTimeoutDuration(), cfg.Server.WriteTimeoutDuration())

	return &Server{
		config:    cfg,
		handler:   h,
		tracker:   stats.NopTracker{},
		logger:    logger,
		retryOpts: opts,
		conns:     make(map[net.Conn]struct{}),
	}
}

// WithTracker sets the tracker for server start, every connection and the
// final summary
func (s *Server) WithTracker(tracker stats.Tracker) *Server {
	s.tracker = tracker
	s.handler.WithTracker(tracker)
	return s
}

// Listen binds the configured address. Calling it before Serve lets the
// caller learn the port when the configured one is 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done, then shuts down gracefully.
// It listens first if Listen has not been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections from ln until ctx is done. A nil return
// means a clean shutdown. Temporary accept errors are retried with backoff
// for as long as they last; any other accept error is returned.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.tracker.Start(ln.Addr().String())
	defer s.tracker.Finish()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_connections", s.config.Server.MaxConnections).
		Str("retry", s.retryOpts.String()).
		Msg("accepting connections")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-stop:
		}
	}()

	err := s.acceptLoop(ctx, ln)
	s.closeListener()
	s.shutdown()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	// Create a semaphore to limit concurrency
	var semaphore chan struct{}
	if s.config.Server.MaxConnections > 0 {
		semaphore = make(chan struct{}, s.config.Server.MaxConnections)
	}

	for {
		if semaphore != nil {
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
		release := func() {
			if semaphore != nil {
				<-semaphore
			}
		}

		// Backoff starts over with every call, so it resets after each
		// successful accept.
		conn, err := retry.Do(ctx, ln.Accept, s.retryOpts)
		if err != nil {
			release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return fmt.Errorf("accept failed: %w", err)
		}

		s.track(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()
			defer s.track(conn, false)
			s.handler.Handle(conn)
		}()
	}
}

// shutdown waits for in-flight connections, closing whatever is still open
// once the shutdown timeout passes
func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.config.Server.ShutdownTimeoutDuration()
	s.logger.Debug().Int("active", s.activeConns()).Dur("timeout", timeout).Msg("shutting down")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("server stopped")
		return
	case <-timer.C:
	}

	s.mu.Lock()
	forced := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.logger.Warn().Int("connections", forced).Msg("shutdown timeout passed, closed remaining connections")
	<-done
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Msg("failed to close listener")
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
