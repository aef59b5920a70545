// Package session owns the pooled HTTP connection context shared by every
// outbound archival and bookmarking call.
package session

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrSessionClosed is returned when a request is issued on a released session.
var ErrSessionClosed = errors.New("http session is closed")

// Options tunes the transport behind each Session.
type Options struct {
	UserAgent       string
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// Transport replaces the pooled transport, e.g. with a fault-injecting
	// round tripper in tests.
	Transport http.RoundTripper
}

// Session is a reusable connection pool with an explicit open/closed lifecycle.
type Session struct {
	id        uint64
	client    *http.Client
	transport http.RoundTripper
	userAgent string

	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds an open Session backed by a fresh transport.
func New(opts Options) *Session {
	var transport http.RoundTripper = opts.Transport
	if transport == nil {
		transport = newHTTPTransport(opts)
	}
	return &Session{
		id:        nextID.Add(1),
		client:    &http.Client{Transport: transport},
		transport: transport,
		userAgent: opts.UserAgent,
	}
}

var nextID atomic.Uint64

// ID identifies the session instance; a recreated session gets a new ID.
func (s *Session) ID() uint64 {
	return s.id
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close marks the session closed and drops its idle connections. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if idle, ok := s.transport.(interface{ CloseIdleConnections() }); ok {
			idle.CloseIdleConnections()
		}
	})
}

// Do executes req through the pool. When followRedirects is false the first
// response is returned as-is, 3xx included.
func (s *Session) Do(req *http.Request, followRedirects bool) (*http.Response, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	client := s.client
	if !followRedirects {
		noRedirect := *s.client
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

// Factory builds a new Session; tests substitute their own.
type Factory func() *Session

// Manager hands out the process-wide Session, recreating it when it is
// missing or closed.
type Manager struct {
	factory  Factory
	current  atomic.Pointer[Session]
	logger   *zap.Logger
	onCreate func()
}

// NewManager returns a Manager with no session yet; the first Acquire builds one.
func NewManager(factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{factory: factory, logger: logger}
}

// OnCreate registers a hook invoked every time a session is (re)created.
func (m *Manager) OnCreate(fn func()) {
	m.onCreate = fn
}

// Acquire returns the shared session if it is open, otherwise builds and
// installs a new one. When two callers race on a closed session only the
// swap winner is installed; the loser closes its copy and takes the winner's.
func (m *Manager) Acquire() *Session {
	for {
		current := m.current.Load()
		if current != nil && !current.Closed() {
			return current
		}
		m.logger.Info("HTTP session is not active or closed. Recreating...")
		fresh := m.factory()
		if m.current.CompareAndSwap(current, fresh) {
			if m.onCreate != nil {
				m.onCreate()
			}
			return fresh
		}
		fresh.Close()
	}
}

// Release closes the shared session if it is open. The reference is kept so
// the next Acquire notices the closed state and recreates it.
func (m *Manager) Release() bool {
	current := m.current.Load()
	if current == nil || current.Closed() {
		m.logger.Info("HTTP session already closed or not active")
		return false
	}
	current.Close()
	m.logger.Info("HTTP session explicitly closed", zap.Uint64("session_id", current.ID()))
	return true
}

func newHTTPTransport(opts Options) *http.Transport {
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	idleTimeout := opts.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleTimeout,
	}
}
