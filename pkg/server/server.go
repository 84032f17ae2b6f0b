package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrServerClosed       = errors.New("server closed")
	errMissingHTTPHandler = errors.New("missing http handler")
	errMissingCert        = errors.New("missing certificate for tls listener")
)

var nopLogger = zap.NewNop()

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// HttpHandler is the handler required by all servers.
	HttpHandler http.Handler

	// Certificate files to start HTTPS, HTTP/3 server.
	Cert, Key string

	// IdleTimeout limits the maximum time period that a connection can idle.
	IdleTimeout time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
}

// Server serves one HttpHandler on any number of listeners. Everything
// it opens is tracked and released by Close or Shutdown.
type Server struct {
	opts ServerOpts

	m       sync.Mutex
	closed  bool
	closers map[io.Closer]struct{}
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c and reports false if s was closed, in
// which case c is not added.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if !add {
		delete(s.closers, c)
		return true
	}
	if s.closed {
		return false
	}
	if s.closers == nil {
		s.closers = make(map[io.Closer]struct{})
	}
	s.closers[c] = struct{}{}
	return true
}

// markClosed closes s for new closers and returns the tracked ones.
func (s *Server) markClosed() []io.Closer {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	cs := make([]io.Closer, 0, len(s.closers))
	for c := range s.closers {
		cs = append(cs, c)
	}
	s.closers = nil
	return cs
}

// Close closes the Server and all its inner listeners. Active requests
// are aborted.
func (s *Server) Close() {
	for _, c := range s.markClosed() {
		_ = c.Close()
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Shutdown stops accepting and waits for active requests to finish
// until ctx is done. What is still open after that is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		rest []io.Closer
	)
	for _, c := range s.markClosed() {
		sd, ok := c.(shutdowner)
		if !ok {
			rest = append(rest, c)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sd.Shutdown(ctx); err != nil {
				_ = c.Close()
			}
		}()
	}
	wg.Wait()

	// Watchers and quic transports go last, after the servers using them.
	for _, c := range rest {
		_ = c.Close()
	}
	return ctx.Err()
}
