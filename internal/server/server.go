// Package server accepts peer connections and runs the responding side of
// every exchange against the served directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/schaermu/pingsync/internal/activation"
	"github.com/schaermu/pingsync/internal/config"
	"github.com/schaermu/pingsync/internal/exchange"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// SocketName is the LISTEN_FDNAMES entry preferred under socket activation
const SocketName = "pingsync"

// Server is the dispatcher and accept loop
type Server struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	root   string
	logger *slog.Logger

	// listen opens the listening socket; replaced in tests.
	listen func(addr string) (net.Listener, error)

	mu       sync.Mutex
	ln       net.Listener
	addr     string
	closing  bool
	active   map[net.Conn]struct{}
	inflight sync.WaitGroup
}

// New creates a server for the configured root. The root is created if it
// does not exist.
func New(cfg *config.Config, led *ledger.Ledger, logger *slog.Logger) (*Server, error) {
	root, err := cfg.ServerRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve served directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create served directory: %w", err)
	}
	return &Server{
		cfg:    cfg,
		ledger: led,
		root:   root,
		logger: logger,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
		active: make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the listening socket, preferring a systemd-activated one.
// Serve calls it when it has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	ln, err := activation.Listener(SocketName)
	if err != nil {
		return fmt.Errorf("failed to check socket activation: %w", err)
	}
	if ln != nil {
		s.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	} else {
		ln, err = s.listen(s.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.ListenAddr, err)
		}
	}
	s.setListener(ln)
	return nil
}

// tunedListener applies the socket options of protocol.Tune to every
// accepted connection before it is wrapped by the connection limit.
type tunedListener struct {
	net.Listener
}

func (l tunedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		protocol.Tune(c)
	}
	return c, err
}

// setListener must be called with mu held
func (s *Server) setListener(ln net.Listener) {
	s.addr = ln.Addr().String()
	var wrapped net.Listener = tunedListener{ln}
	if s.cfg.Server.MaxConnections > 0 {
		wrapped = netutil.LimitListener(wrapped, s.cfg.Server.MaxConnections)
	}
	s.ln = wrapped
}

// Addr returns the bound address, or "" before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// Serve accepts connections until ctx is cancelled. An accept failure that
// is not caused by shutdown recreates the listener up to accept_retries
// times; when that fails too the error is returned.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("server started",
		"addr", s.Addr(),
		"root", s.root,
		"max_connections", s.cfg.Server.MaxConnections,
		"sync", s.cfg.SyncEnabled())

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	for {
		raw, err := s.listener().Accept()
		if err != nil {
			if s.stopping() {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			if rerr := s.recreate(ctx); rerr != nil {
				s.drain()
				if s.stopping() {
					break
				}
				return fmt.Errorf("failed to accept connections: %w", errors.Join(err, rerr))
			}
			continue
		}

		if !s.track(raw) {
			_ = raw.Close()
			break
		}
		go s.handle(raw)
	}

	s.drain()
	s.logger.Info("server stopped")
	return nil
}

// recreate closes the failed listener and binds the same address again,
// waiting accept_retry_delay before each attempt.
func (s *Server) recreate(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Server.AcceptRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Server.AcceptRetryDelay):
		}

		ln, err := s.listen(addr)
		if err != nil {
			lastErr = err
			s.logger.Warn("failed to recreate listener", "addr", addr, "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = ln.Close()
			return context.Canceled
		}
		s.setListener(ln)
		s.mu.Unlock()
		s.logger.Info("listener recreated", "addr", addr, "attempt", attempt)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no retries configured")
	}
	return lastErr
}

func (s *Server) stopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers an accepted connection; it refuses new ones once the
// server is shutting down.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active[c] = struct{}{}
	s.inflight.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
	s.inflight.Done()
}

// drain waits for in-flight exchanges for at most shutdown_timeout, then
// cuts the remaining connections.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.Server.ShutdownTimeout):
	}

	s.mu.Lock()
	s.logger.Warn("shutdown timeout reached, closing connections", "remaining", len(s.active))
	for c := range s.active {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-done
}

// handle serves one connection: its first packet selects the exchange that
// runs for the rest of the connection's life.
func (s *Server) handle(raw net.Conn) {
	defer s.untrack(raw)

	logger := s.logger.With("session", uuid.NewString(), "remote", raw.RemoteAddr().String())
	conn := protocol.NewConn(raw, logger)
	finished := false
	defer func() {
		if finished {
			conn.CloseGraceful(s.cfg.Drain())
		} else {
			conn.Close()
		}
	}()

	first, err := conn.Recv(s.cfg.Transfer.Timeout)
	if err != nil {
		logger.Warn("failed to read opening packet", "error", err)
		return
	}
	if _, err := exchange.KindOf(first.Command); err != nil {
		logger.Warn("closing connection", "error", err)
		return
	}

	opts := exchange.Options{
		ChunkSize: s.cfg.Transfer.ChunkSize,
		Timeout:   s.cfg.Transfer.Timeout,
		Sync:      s.cfg.SyncEnabled(),
		Root:      s.root,
	}
	start := time.Now()
	res, err := exchange.Respond(conn, s.ledger, opts, logger, first)
	if err != nil {
		logger.Warn("exchange failed", "command", first.Command, "file", first.Filename, "error", err)
		return
	}
	finished = true
	logger.Debug("exchange finished",
		"command", first.Command,
		"file", first.Filename,
		"skipped", res.Skipped,
		"resumed", res.Resumed,
		"bytes", res.Bytes,
		"duration", time.Since(start))
}
