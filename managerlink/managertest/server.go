// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package managertest provides an in-process manager for testing code
// that talks to the manager through managerlink.
//
// The Server speaks the manager side of the wire protocol: it assigns
// process codes, brokers ports between connected processes, relays
// link messages, fans out events and system configuration, and answers
// log and process-list requests. Every packet it receives is recorded
// for assertions, and tests can inject raw packets, pause reading to
// build backpressure, or drop every connection to exercise reconnects.
//
//	server, err := managertest.NewServer(managertest.Options{})
//	...
//	defer server.Close()
//	engine, err := managerlink.New(managerlink.Options{Address: server.Address()})
package managertest

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/bureau-foundation/hostruntime/lib/netutil"
	"github.com/bureau-foundation/hostruntime/lib/wire"
	"github.com/bureau-foundation/hostruntime/managerlink"
)

// firstProcessCode is the first code assigned to processes that ask
// the server to pick one.
const firstProcessCode = 1000

// firstPassiveLinkID is the first id the server allocates for links it
// opens into a providing process. The high bit keeps them apart from
// ids the engine allocates.
const firstPassiveLinkID = 1 << 31

// Options configures a Server.
type Options struct {
	// HaveDebugger is announced in every handshake.
	HaveDebugger bool

	// AcceptDebugger makes connects to the debugger port succeed.
	AcceptDebugger bool

	// SystemConfig is the initial configuration sent in handshakes.
	SystemConfig []byte

	// Intercept sees every packet after the handshake before the
	// server handles it. Returning true consumes the packet.
	Intercept func(conn *Conn, packet *wire.Packet) bool

	Logger *slog.Logger
}

// Record is one packet the server received.
type Record struct {
	Process uint64
	Packet  *wire.Packet
}

// Conn is one connected process.
type Conn struct {
	server  *Server
	conn    net.Conn
	writeMu sync.Mutex
	code    uint64
	name    string
}

// Code returns the process code assigned in the handshake.
func (c *Conn) Code() uint64 { return c.code }

// Name returns the display name sent in the handshake.
func (c *Conn) Name() string { return c.name }

// Send writes packet to the process and releases it.
func (c *Conn) Send(packet *wire.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := wire.Write(c.conn, packet)
	wire.Release(packet)
	return err
}

type routeKey struct {
	conn   *Conn
	linkID uint32
}

type pendingOpen struct {
	requester routeKey
	messageID uint64
	provider  *Conn
	// result receives the outcome of opens the test started.
	result chan bool
}

type outgoing struct {
	conn   *Conn
	packet *wire.Packet
}

// Server is a fake manager.
type Server struct {
	options  Options
	logger   *slog.Logger
	listener net.Listener

	mu         sync.Mutex
	cond       *sync.Cond
	closed     bool
	paused     bool
	conns      map[*Conn]struct{}
	ports      map[string]*Conn
	sinkPorts  map[string]struct{}
	routes     map[routeKey]routeKey
	opens      map[uint32]*pendingOpen
	nextCode   uint64
	nextLinkID uint32
	config     []byte
	records    []Record
	handshakes int

	wg sync.WaitGroup
}

// NewServer starts a server listening on a loopback TCP port.
func NewServer(options Options) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		options:    options,
		logger:     logger,
		listener:   listener,
		conns:      make(map[*Conn]struct{}),
		ports:      make(map[string]*Conn),
		sinkPorts:  make(map[string]struct{}),
		routes:     make(map[routeKey]routeKey),
		opens:      make(map[uint32]*pendingOpen),
		nextCode:   firstProcessCode,
		nextLinkID: firstPassiveLinkID,
		config:     bytes.Clone(options.SystemConfig),
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Address returns the host:port the server listens on.
func (s *Server) Address() string { return s.listener.Addr().String() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.ServeConn(conn)
	}
}

// ServeConn serves a connection established by other means.
func (s *Server) ServeConn(conn net.Conn) {
	s.wg.Add(1)
	go s.serve(conn)
}

// PipeDial is a managerlink dial function connecting through an
// in-memory pipe. Unlike TCP, a pipe has no kernel buffering, so
// pausing the server blocks the engine's writes immediately.
func (s *Server) PipeDial(ctx context.Context, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	s.ServeConn(server)
	return client, nil
}

// Close disconnects every process and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.paused = false
	conns := slices.Collect(maps.Keys(s.conns))
	s.cond.Broadcast()
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}

// DropConnections closes every process connection without a goodbye.
// The processes are forgotten before it returns, so their codes are
// free when they reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := slices.Collect(maps.Keys(s.conns))
	s.mu.Unlock()
	for _, c := range conns {
		s.disconnect(c)
	}
}

// Pause stops reading from every connection after the packet each is
// currently reading.
func (s *Server) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume undoes Pause.
func (s *Server) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.cond.Broadcast()
}

// ServePort makes the server itself provide port. Connects to it
// succeed and messages sent over such links are only recorded.
func (s *Server) ServePort(port string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkPorts[port] = struct{}{}
}

// Handshakes returns the number of completed handshakes.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Processes lists the connected processes ordered by code.
func (s *Server) Processes() []managerlink.ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processesLocked()
}

func (s *Server) processesLocked() []managerlink.ProcessInfo {
	processes := make([]managerlink.ProcessInfo, 0, len(s.conns))
	for c := range s.conns {
		processes = append(processes, managerlink.ProcessInfo{Code: c.code, Name: c.name})
	}
	slices.SortFunc(processes, func(a, b managerlink.ProcessInfo) int {
		return cmp.Compare(a.Code, b.Code)
	})
	return processes
}

// Conn returns the connection of the process with code, or nil.
func (s *Server) Conn(code uint64) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.code == code {
			return c
		}
	}
	return nil
}

// Send writes a raw packet to the process with code.
func (s *Server) Send(code uint64, packet *wire.Packet) error {
	c := s.Conn(code)
	if c == nil {
		wire.Release(packet)
		return errors.New("managertest: no such process")
	}
	return c.Send(packet)
}

// Records returns every received packet with opcode op, oldest first.
func (s *Server) Records(op wire.Opcode) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordsLocked(op)
}

func (s *Server) recordsLocked(op wire.Opcode) []Record {
	var matching []Record
	for _, record := range s.records {
		if record.Packet.Opcode() == op {
			matching = append(matching, record)
		}
	}
	return matching
}

// WaitFor blocks until at least n packets with opcode op have been
// received and returns them.
func (s *Server) WaitFor(ctx context.Context, op wire.Opcode, n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.waitLocked(ctx, func() bool { return len(s.recordsLocked(op)) >= n })
	return s.recordsLocked(op), err
}

// WaitHandshakes blocks until at least n handshakes have completed.
func (s *Server) WaitHandshakes(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(ctx, func() bool { return s.handshakes >= n })
}

// WaitPort blocks until some process provides port.
func (s *Server) WaitPort(ctx context.Context, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(ctx, func() bool { return s.ports[port] != nil })
}

func (s *Server) waitLocked(ctx context.Context, condition func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	for !condition() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// SetSystemConfig stores data and pushes it to every process.
func (s *Server) SetSystemConfig(data []byte) {
	s.mu.Lock()
	s.config = bytes.Clone(data)
	var sends []outgoing
	for c := range s.conns {
		sends = append(sends, outgoing{c, wire.New(wire.SystemConfig).PutBinary(s.config)})
	}
	s.mu.Unlock()
	s.flush(sends)
}

// OpenLink opens a link from the server into the process with code,
// as if another process connected to port, and reports the link id the
// server chose and whether the process accepted.
func (s *Server) OpenLink(ctx context.Context, code uint64, port string) (uint32, bool, error) {
	provider := s.Conn(code)
	if provider == nil {
		return 0, false, errors.New("managertest: no such process")
	}
	s.mu.Lock()
	id := s.nextLinkID
	s.nextLinkID++
	open := &pendingOpen{provider: provider, result: make(chan bool, 1)}
	s.opens[id] = open
	s.mu.Unlock()

	if err := provider.Send(wire.New(wire.OpenLink).PutUint32(id).PutUint64(0).PutString(port)); err != nil {
		return id, false, err
	}
	select {
	case accepted := <-open.result:
		return id, accepted, nil
	case <-ctx.Done():
		return id, false, ctx.Err()
	}
}

func (s *Server) flush(sends []outgoing) {
	for _, send := range sends {
		if err := send.conn.Send(send.packet); err != nil {
			s.logger.Debug("send to process failed", "process", send.conn.code, "error", err)
		}
	}
}
