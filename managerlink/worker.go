// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/clock"
	"github.com/bureau-foundation/hostruntime/lib/events"
	"github.com/bureau-foundation/hostruntime/lib/netutil"
	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// outcome is how one connection attempt ended.
type outcome int

const (
	// outcomeFailed: dial or handshake failed. Back off, then retry.
	outcomeFailed outcome = iota
	// outcomeLost: an established connection dropped. Retry now.
	outcomeLost
	// outcomeDetached: the job manager was released. Retry now.
	outcomeDetached
	// outcomeClosed: the engine is closing. Stop.
	outcomeClosed
)

// worker owns the transport, the link table, and the transmit
// scheduler. Everything here is touched only by the worker goroutine;
// callers reach it through sharedState.
type worker struct {
	options Options
	logger  *slog.Logger
	clock   clock.Clock
	state   *sharedState
	bus     *events.Bus
	links   *linkTable
	poll    poller

	// processCode is the code the manager assigned, offered again on
	// reconnect so the process keeps its identity.
	processCode uint64

	conn           *connection
	jobManager     JobManager
	sessionsClosed bool

	haveDebugger      bool
	debuggerAttempted bool
	debuggerLinkID    uint32

	// pending holds packets the worker itself produced (replies,
	// message chunks, link notifications) ahead of the transport.
	pending      []queueItem
	inflight     int
	preferShared bool

	aborting      bool
	abortDeadline time.Time

	lost error
}

func newWorker(options Options, logger *slog.Logger, state *sharedState) *worker {
	return &worker{
		options: options,
		logger:  logger,
		clock:   options.Clock,
		state:   state,
		bus:     options.Events,
		links:   newLinkTable(),
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.state.shutdown()
	for {
		if w.idleControl() {
			return
		}
		switch w.connect(ctx) {
		case outcomeClosed:
			return
		case outcomeLost, outcomeDetached:
		case outcomeFailed:
			if !w.backoff(ctx) {
				return
			}
		}
	}
}

// idleControl applies caller requests while no connection exists and
// reports whether the worker should stop.
func (w *worker) idleControl() bool {
	control := w.state.snapshot()
	if control.abort {
		return true
	}
	if control.releaseJobManager {
		w.jobManager = nil
		w.state.releasedJobManager()
		w.logger.Info("job manager detached")
	}
	return false
}

// backoff waits out the reconnect delay, staying responsive to close
// and detach. It returns false if the worker should stop.
func (w *worker) backoff(ctx context.Context) bool {
	deadline := w.clock.Now().Add(w.options.ReconnectDelay)
	for {
		if w.idleControl() {
			return false
		}
		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			return true
		}
		select {
		case <-w.state.wake:
		case <-w.clock.After(remaining):
			return true
		case <-ctx.Done():
			return false
		}
	}
}

type handshakeResult struct {
	processCode  uint64
	haveDebugger bool
	systemConfig []byte
}

func (w *worker) connect(ctx context.Context) outcome {
	conn, err := w.options.Dial(ctx, w.options.Address)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeClosed
		}
		w.logger.Warn("connecting to manager failed", "error", err)
		return outcomeFailed
	}

	reader := wire.NewReader(conn)
	result, err := w.handshake(conn, reader)
	if err != nil {
		conn.Close()
		w.logger.Warn("manager handshake failed", "error", err)
		return outcomeFailed
	}
	return w.serve(conn, reader, result)
}

// handshake registers the process. It runs before the reader and
// writer goroutines exist, so it talks to the socket directly under a
// deadline.
func (w *worker) handshake(conn net.Conn, reader *wire.Reader) (handshakeResult, error) {
	if err := conn.SetDeadline(time.Now().Add(w.options.HandshakeTimeout)); err != nil {
		return handshakeResult{}, fmt.Errorf("setting handshake deadline: %w", err)
	}

	code := w.processCode
	if code == 0 {
		code = w.options.ProcessCode
	}
	request := wire.New(wire.RegisterProcess).
		PutUint64(code).
		PutString(w.options.DisplayName)
	err := wire.Write(conn, request)
	wire.Release(request)
	if err != nil {
		return handshakeResult{}, err
	}

	response, err := reader.ReadPacket()
	if err != nil {
		return handshakeResult{}, fmt.Errorf("reading registration result: %w", err)
	}
	defer wire.Release(response)
	if response.Opcode() != wire.RegisterProcessResult {
		return handshakeResult{}, fmt.Errorf("expected %s, manager sent %s", wire.RegisterProcessResult, response.Opcode())
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return handshakeResult{}, fmt.Errorf("clearing handshake deadline: %w", err)
	}
	return handshakeResult{
		processCode:  response.Uint64(0),
		haveDebugger: response.Bool(1),
		systemConfig: response.Binary(2),
	}, nil
}

func (w *worker) serve(conn net.Conn, reader *wire.Reader, result handshakeResult) outcome {
	w.conn = newConnection(conn, reader, w.logger)
	w.conn.start()
	w.beginConnection(result)
	defer w.endConnection()

	for {
		if result, done := w.step(); done {
			return result
		}
	}
}

func (w *worker) beginConnection(result handshakeResult) {
	w.processCode = result.processCode
	w.haveDebugger = result.haveDebugger
	w.debuggerAttempted = false
	w.debuggerLinkID = 0
	w.aborting = false
	w.lost = nil
	w.sessionsClosed = false

	w.state.storeSystemConfig(result.systemConfig)
	w.state.markConnected(result.processCode, result.haveDebugger)
	w.logger.Info("connected to manager",
		"process_code", result.processCode,
		"debugger", result.haveDebugger,
	)
	w.publish(ConnectedEvent, binary.BigEndian.AppendUint64(nil, result.processCode))
}

func (w *worker) endConnection() {
	w.teardownLinks()
	w.conn.close()
	w.conn = nil
	for _, item := range w.pending {
		wire.Release(item.packet)
	}
	clear(w.pending)
	w.pending = w.pending[:0]
	w.inflight = 0
	w.state.markDisconnected()
	w.publish(DisconnectedEvent, nil)
}

// step runs one iteration of the connected loop.
func (w *worker) step() (outcome, bool) {
	control := w.state.snapshot()
	if control.releaseJobManager && !w.aborting {
		w.teardownLinks()
		w.jobManager = nil
		w.state.releasedJobManager()
		w.logger.Info("job manager detached, reconnecting")
		return outcomeDetached, true
	}
	if control.abort && !w.aborting {
		w.beginAbort()
	}
	if w.jobManager == nil && control.jobManager != nil {
		w.jobManager = control.jobManager
		w.sessionsClosed = false
	}

	w.resolveDebugger()
	w.schedule()

	if w.aborting {
		if w.drained() {
			w.logger.Info("send queue drained, disconnecting from manager")
			return outcomeClosed, true
		}
		if !w.clock.Now().Before(w.abortDeadline) {
			w.logger.Warn("drain timeout expired, disconnecting with packets unsent",
				"pending", len(w.pending),
				"queued", w.state.queueLen(),
				"inflight", w.inflight,
			)
			return outcomeClosed, true
		}
	}

	w.buildPoll()
	w.poll.wait()

	if w.lost != nil {
		if netutil.IsExpectedCloseError(w.lost) {
			w.logger.Info("manager closed the connection")
		} else {
			w.logger.Warn("manager connection lost", "error", w.lost)
		}
		return outcomeLost, true
	}
	return 0, false
}

// buildPoll registers every channel the worker could act on this
// iteration. A link's incoming channel is registered only while the
// link is readable; while closing, no new local input is read at all.
func (w *worker) buildPoll() {
	w.poll.reset()
	w.poll.add(w.state.wake, nil)
	w.poll.add(w.conn.inbound, func(value reflect.Value, _ bool) {
		w.dispatch(value.Interface().(*wire.Packet))
	})
	w.poll.add(w.conn.failed, func(value reflect.Value, _ bool) {
		w.lost, _ = value.Interface().(error)
		if w.lost == nil {
			w.lost = net.ErrClosed
		}
	})
	if w.inflight > 0 {
		w.poll.add(w.conn.sent, func(value reflect.Value, _ bool) {
			w.inflight--
			w.finished(value.Interface().(queueItem))
		})
	}

	if w.aborting {
		w.poll.add(w.clock.After(w.abortDeadline.Sub(w.clock.Now())), nil)
	} else if w.jobManager != nil && !w.sessionsClosed {
		w.poll.add(w.jobManager.Sessions(), func(value reflect.Value, ok bool) {
			if !ok {
				w.sessionsClosed = true
				return
			}
			if local, _ := value.Interface().(Endpoint); local != nil {
				w.addSession(local)
			}
		})
	}

	for _, l := range w.links.links {
		local := l.endpoint()
		if local == nil {
			continue
		}
		w.poll.add(local.Broken(), func(reflect.Value, bool) {
			w.linkBroken(l)
		})
		if w.aborting || !linkReadable(l) {
			continue
		}
		w.poll.add(local.Incoming(), func(value reflect.Value, ok bool) {
			message, _ := value.Interface().(*Message)
			if !ok || message == nil {
				w.linkBroken(l)
				return
			}
			w.linkIncoming(l, message)
		})
	}
}

func linkReadable(l link) bool {
	switch l := l.(type) {
	case *controlLink:
		return true
	case *extLink:
		return l.readable()
	}
	return false
}

func (w *worker) beginAbort() {
	w.aborting = true
	w.abortDeadline = w.clock.Now().Add(w.options.DrainTimeout)
	w.state.appendTail(wire.New(wire.Disconnect))
	w.logger.Info("closing manager connection", "drain_timeout", w.options.DrainTimeout)
}

func (w *worker) drained() bool {
	return len(w.pending) == 0 && w.inflight == 0 && w.state.queueLen() == 0
}

// teardownLinks closes every link without notifying the manager.
func (w *worker) teardownLinks() {
	for _, l := range w.links.links {
		if local := l.endpoint(); local != nil {
			local.Close()
		}
	}
	if w.links.len() > 0 {
		w.logger.Debug("links torn down", "count", w.links.len())
	}
	w.links.reset()
	w.debuggerLinkID = 0
}

func (w *worker) addSession(local Endpoint) {
	id := w.links.allocate()
	w.links.put(&controlLink{id: id, local: local, ports: make(map[string]struct{})})
	w.logger.Debug("control session opened", "link_id", id)
}

func (w *worker) linkIncoming(l link, message *Message) {
	switch l := l.(type) {
	case *controlLink:
		w.handleControlRequest(l, message)
	case *extLink:
		w.relayOutbound(l, message)
	}
}

// removeLink drops l from the table and closes its endpoint.
func (w *worker) removeLink(l link) {
	w.links.remove(l.linkID())
	if local := l.endpoint(); local != nil {
		local.Close()
	}
	if l.linkID() == w.debuggerLinkID {
		w.debuggerLinkID = 0
		w.state.clearDebugInit()
	}
}

// publish raises a local event.
func (w *worker) publish(name string, payload []byte) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{Name: name, Payload: payload, Local: true})
}
