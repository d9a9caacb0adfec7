// Package server accepts cloudbox connections and runs one session per
// connection against a store.Store.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"cloudbox/internal/logging"
	"cloudbox/internal/metrics"
	"cloudbox/internal/store"
	"cloudbox/internal/wire"
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("server closed")

type Options struct {
	Addr      string // host:port, e.g. "0.0.0.0:9000"
	Store     *store.Store
	MaxConns  int // concurrent sessions; 0 means no cap
	ChunkSize int
}

type Server struct {
	opts Options

	mu     sync.Mutex
	ln     net.Listener
	closed atomic.Bool

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Addr == "" {
		return nil, errors.New("server: listen address is required")
	}
	if opts.MaxConns < 0 {
		return nil, fmt.Errorf("server: invalid max conns %d", opts.MaxConns)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = wire.DefaultChunkSize
	}
	return &Server{opts: opts}, nil
}

// Listen binds the configured address. It is split from Serve so callers
// can learn the bound port (":0") before the loop starts.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until Stop. Each connection gets its own
// goroutine; a failing session never reaches the loop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	logging.Info("cloudbox listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root", s.opts.Store.Root()),
		zap.Int("max_conns", s.opts.MaxConns))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			metrics.RecordAcceptError()
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			logging.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// Stop marks closed under mu, so once it returns no Add can follow
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.newSession(conn).run()
		}()
	}
}

func (s *Server) ListenAndServe() error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener. Sessions already accepted run to completion;
// use Wait to block until they have.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Wait blocks until every accepted session has closed.
func (s *Server) Wait() {
	s.wg.Wait()
}
