// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobmgr is an in-memory job manager for a managerlink engine.
//
// Jobs open control sessions to publish ports and to reach ports in
// other processes. A job serving a port holds a Listener and accepts a
// Peer per incoming link; a job using a port dials it and talks over
// the returned Peer.
//
//	manager := jobmgr.New(logger)
//	engine.AttachJobManager(manager)
//
//	listener, err := manager.Listen(ctx, "render")
//	peer, err := listener.Accept(ctx)
//
//	// in another process
//	peer, err := manager.Dial(ctx, "render")
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/hostruntime/managerlink"
)

const (
	// linkBuffer is the send buffer of every pipe this manager
	// creates. Once it is full, a throttled link blocks its sender.
	linkBuffer = 16

	// acceptBacklog is the number of incoming links a listener holds
	// before further connects are refused.
	acceptBacklog = 16
)

// ErrNoListener is returned by ConnectPort for a port no local
// listener serves.
var ErrNoListener = errors.New("jobmgr: no listener for port")

// Manager implements managerlink.JobManager.
type Manager struct {
	logger   *slog.Logger
	sessions chan managerlink.Endpoint
	debug    chan *managerlink.Peer

	mu        sync.Mutex
	listeners map[string]*Listener
}

var _ managerlink.JobManager = (*Manager)(nil)

// New returns a manager with no sessions or listeners.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		sessions:  make(chan managerlink.Endpoint),
		debug:     make(chan *managerlink.Peer, 1),
		listeners: make(map[string]*Listener),
	}
}

// Sessions implements managerlink.JobManager.
func (m *Manager) Sessions() <-chan managerlink.Endpoint {
	return m.sessions
}

// ConnectPort implements managerlink.JobManager. It is called on the
// engine's worker goroutine and never blocks.
func (m *Manager) ConnectPort(port string) (managerlink.Endpoint, error) {
	m.mu.Lock()
	listener := m.listeners[port]
	m.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("%w %q", ErrNoListener, port)
	}

	local, peer := managerlink.NewPipe(linkBuffer)
	select {
	case listener.accepted <- peer:
		return local, nil
	case <-listener.done:
		return nil, fmt.Errorf("%w %q", ErrNoListener, port)
	default:
		return nil, fmt.Errorf("jobmgr: accept backlog for %q is full", port)
	}
}

// BindDebugLink implements managerlink.JobManager. A link bound while
// an earlier one was never collected replaces it.
func (m *Manager) BindDebugLink(peer *managerlink.Peer) {
	for {
		select {
		case m.debug <- peer:
			return
		default:
		}
		select {
		case stale := <-m.debug:
			stale.Close()
		default:
		}
	}
}

// DebugLink waits for the engine to bind the debugger link.
func (m *Manager) DebugLink(ctx context.Context) (*managerlink.Peer, error) {
	select {
	case peer := <-m.debug:
		return peer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenSession hands a new control session to the engine. It blocks
// until the engine picks the session up, which requires the engine to
// be connected with this manager attached.
func (m *Manager) OpenSession(ctx context.Context) (*Session, error) {
	local, peer := managerlink.NewPipe(linkBuffer)
	select {
	case m.sessions <- local:
		return &Session{peer: peer}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial connects to a port served by some process.
func (m *Manager) Dial(ctx context.Context, port string) (*managerlink.Peer, error) {
	session, err := m.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := session.Connect(ctx, port)
	if err != nil {
		session.Close()
		return nil, err
	}
	return peer, nil
}

// Listen registers port with the manager and returns a Listener for
// the links other processes open to it.
func (m *Manager) Listen(ctx context.Context, port string) (*Listener, error) {
	listener := &Listener{
		manager:  m,
		port:     port,
		accepted: make(chan *managerlink.Peer, acceptBacklog),
		done:     make(chan struct{}),
	}

	// Registered locally first: the manager may open a link as soon
	// as it has accepted the registration.
	m.mu.Lock()
	if m.listeners[port] != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("jobmgr: already listening on %q", port)
	}
	m.listeners[port] = listener
	m.mu.Unlock()

	session, err := m.OpenSession(ctx)
	if err == nil {
		err = session.RegisterPort(ctx, port)
		if err != nil {
			session.Close()
		}
	}
	if err != nil {
		m.removeListener(listener)
		return nil, fmt.Errorf("listening on %q: %w", port, err)
	}
	listener.session = session
	m.logger.Debug("listening", "port", port)
	return listener, nil
}

func (m *Manager) removeListener(listener *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[listener.port] == listener {
		delete(m.listeners, listener.port)
	}
}

// Listener accepts the links other processes open to a port.
type Listener struct {
	manager  *Manager
	port     string
	session  *Session
	accepted chan *managerlink.Peer
	done     chan struct{}
	once     sync.Once
}

// Port returns the port name.
func (l *Listener) Port() string { return l.port }

// Accept returns the next incoming link.
func (l *Listener) Accept(ctx context.Context) (*managerlink.Peer, error) {
	select {
	case peer := <-l.accepted:
		return peer, nil
	case <-l.done:
		return nil, managerlink.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops listening. Closing the registering session makes the
// engine unregister the port.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.manager.removeListener(l)
		close(l.done)
		l.session.Close()
	})
	return nil
}
