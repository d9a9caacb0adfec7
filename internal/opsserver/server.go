// Package opsserver is the HTTP side listener for operators: health,
// Prometheus metrics and an optional read-only WebDAV view of the root
// that leaves out uploads still in flight.
package opsserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"cloudbox/internal/logging"
	"cloudbox/internal/metrics"
	"cloudbox/internal/store"
)

type Options struct {
	Addr   string
	Root   string // storage root, used by WebDAV
	WebDAV bool
	// Ready reports whether the file server is accepting connections.
	// Nil means always ready.
	Ready func() bool
}

type Server struct {
	opts Options
	http *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		return nil, errors.New("opsserver: listen address is required")
	}
	if opts.WebDAV && opts.Root == "" {
		return nil, errors.New("opsserver: webdav needs a root")
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdLog(),
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if s.opts.Ready != nil && !s.opts.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "starting\n")
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.Handle("/metrics", metrics.Handler())

	if s.opts.WebDAV {
		dav := &webdav.Handler{
			Prefix:     "/dav",
			FileSystem: newHidingFS(s.opts.Root, store.StagingDir),
			LockSystem: webdav.NewMemLS(),
			Logger: func(r *http.Request, err error) {
				if err != nil {
					logging.Debug("webdav", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
				}
			},
		}
		mux.Handle("/dav/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
				// read ok
			default:
				// writes go through the file protocol only
				w.Header().Set("Allow", "GET, HEAD, OPTIONS, PROPFIND")
				http.Error(w, "read-only", http.StatusMethodNotAllowed)
				return
			}
			dav.ServeHTTP(w, r)
		}))
	}

	var h http.Handler = withHeaders(mux)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logging.StdLog()),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.CombinedLoggingHandler(logging.StdWriter(), h)
}

// Serve runs on an existing listener. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logging.Info("ops listener up", zap.String("addr", ln.Addr().String()), zap.Bool("webdav", s.opts.WebDAV))
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if !strings.HasPrefix(r.URL.Path, "/dav/") {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
