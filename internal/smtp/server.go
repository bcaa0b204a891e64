// Package smtp implements the capture side of MailHits: a line-oriented
// SMTP server that never relays, committing every accepted message to the
// shared store.
package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fwhy/mailhits/internal/store"
)

const (
	defaultHostname       = "mailhits"
	defaultMaxMessageSize = 10 << 20
	defaultReadTimeout    = 60 * time.Second
	defaultSessionTimeout = 10 * time.Minute
)

// ErrServerClosed is returned by ListenAndServe after Close.
var ErrServerClosed = errors.New("smtp: server closed")

// Options tunes the protective limits of the server. Zero values fall back
// to the defaults above.
type Options struct {
	Hostname       string
	MaxMessageSize int64
	ReadTimeout    time.Duration
	SessionTimeout time.Duration
}

// Server accepts SMTP connections and runs one session per connection.
// The store handle is shared by all sessions; nothing else is.
type Server struct {
	store  *store.Store
	logger *slog.Logger
	addr   string

	hostname       string
	maxMessageSize int64
	readTimeout    time.Duration
	sessionTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

func New(st *store.Store, logger *slog.Logger, addr string, opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = defaultHostname
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.SessionTimeout < 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:          st,
		logger:         logger,
		addr:           addr,
		hostname:       opts.Hostname,
		maxMessageSize: opts.MaxMessageSize,
		readTimeout:    opts.ReadTimeout,
		sessionTimeout: opts.SessionTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ListenAndServe binds the configured address and accepts connections until
// Close. A transient accept failure is logged and retried with backoff; a
// failure to bind is fatal and returned to the caller.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("smtp server listening", "addr", ln.Addr().String())

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Warn("accept smtp connection", "error", err, "retry_in", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		go newSession(s, conn).handle(s.ctx)
	}
}

// Addr returns the bound address, or nil before ListenAndServe has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting connections and signals running sessions to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
