// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"bytes"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostruntime/lib/codec"
	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// handlers maps each inbound opcode to its handler. Decoded packets
// always match their opcode's schema, so handlers index fields
// directly.
var handlers = map[wire.Opcode]func(*worker, *wire.Packet){
	wire.Answer:                (*worker).onAnswer,
	wire.IncomingEvent:         (*worker).onIncomingEvent,
	wire.RegisterPortResult:    (*worker).onRegisterPortResult,
	wire.UnregisterPortResult:  (*worker).onUnregisterPortResult,
	wire.OpenLink:              (*worker).onOpenLink,
	wire.ConnectLinkResult:     (*worker).onConnectLinkResult,
	wire.LinkClosed:            (*worker).onLinkClosed,
	wire.IncomingMessage:       (*worker).onIncomingMessage,
	wire.GetProcessListResult:  (*worker).onProcessListResult,
	wire.ConfigureLogsResult:   (*worker).onConfigureLogsResult,
	wire.FlushLogResult:        (*worker).onFlushLogResult,
	wire.SystemConfig:          (*worker).onSystemConfig,
	wire.RegisterProcessResult: (*worker).onRegisterProcessResult,
}

// dispatch handles one inbound packet and releases it. Handlers that
// keep a binary field copy it first.
func (w *worker) dispatch(packet *wire.Packet) {
	defer wire.Release(packet)
	handler, ok := handlers[packet.Opcode()]
	if !ok {
		w.logger.Warn("ignoring unexpected packet from manager", "opcode", packet.Opcode())
		return
	}
	handler(w, packet)
}

func (w *worker) onAnswer(*wire.Packet) {
	w.logger.Debug("manager answered")
}

func (w *worker) onRegisterProcessResult(*wire.Packet) {
	w.logger.Warn("ignoring registration result outside the handshake")
}

func (w *worker) onIncomingEvent(packet *wire.Packet) {
	w.publish(packet.String(0), bytes.Clone(packet.Binary(1)))
}

func (w *worker) onRegisterPortResult(packet *wire.Packet) {
	id, messageID, port, success := packet.Uint32(0), packet.Uint64(1), packet.String(2), packet.Bool(3)
	c := w.links.control(id)
	if c == nil {
		w.logger.Debug("register result for a closed session", "link_id", id, "port", port)
		return
	}
	status := StatusOK
	if !success {
		delete(c.ports, port)
		status = StatusFailed
	}
	w.replyControl(c, messageID, &ControlReply{Status: status})
}

func (w *worker) onUnregisterPortResult(packet *wire.Packet) {
	id, messageID, success := packet.Uint32(0), packet.Uint64(1), packet.Bool(3)
	c := w.links.control(id)
	if c == nil || messageID == 0 {
		return
	}
	status := StatusOK
	if !success {
		status = StatusFailed
	}
	w.replyControl(c, messageID, &ControlReply{Status: status})
}

// onOpenLink serves another process connecting to one of our ports.
// The link is recorded even when the job manager cannot serve it, so
// the id stays reserved until the manager closes it.
func (w *worker) onOpenLink(packet *wire.Packet) {
	id, messageID, port := packet.Uint32(0), packet.Uint64(1), packet.String(2)
	if w.links.get(id) != nil {
		w.logger.Warn("manager opened a link with an id in use", "link_id", id, "port", port)
		w.send(wire.New(wire.OpenLinkResult).PutUint32(id).PutUint64(messageID).PutBool(false))
		return
	}

	var local Endpoint
	if w.jobManager != nil {
		var err error
		local, err = w.jobManager.ConnectPort(port)
		if err != nil {
			w.logger.Info("job manager refused incoming link", "link_id", id, "port", port, "error", err)
			local = nil
		}
	}
	w.links.put(&extLink{id: id, local: local, established: local != nil})
	w.send(wire.New(wire.OpenLinkResult).PutUint32(id).PutUint64(messageID).PutBool(local != nil))
}

func (w *worker) onConnectLinkResult(packet *wire.Packet) {
	id, messageID, success := packet.Uint32(0), packet.Uint64(1), packet.Bool(2)
	l := w.links.ext(id)
	if l == nil || l.established {
		w.logger.Debug("connect result for an unknown link", "link_id", id)
		return
	}
	if id == w.debuggerLinkID {
		w.debuggerResult(l, success)
		return
	}
	if !success {
		w.deliver(l, &Message{ReplyTo: messageID, Value: &ControlReply{Status: StatusNoSuchPort}})
		w.removeLink(l)
		return
	}
	l.established = true
	w.deliver(l, &Message{ReplyTo: messageID, Value: &ControlReply{Status: StatusOK}})
}

func (w *worker) onLinkClosed(packet *wire.Packet) {
	id := packet.Uint32(0)
	l := w.links.ext(id)
	if l == nil {
		return
	}
	w.dropPendingChunks(l)
	w.removeLink(l)
	w.logger.Debug("link closed by manager", "link_id", id)
}

func (w *worker) onIncomingMessage(packet *wire.Packet) {
	id := packet.Uint32(0)
	l := w.links.ext(id)
	if l == nil || l.local == nil || !l.established {
		w.logger.Debug("message for an unknown link", "link_id", id)
		return
	}
	w.relayInbound(l, packet.Uint64(1), packet.Uint64(2), packet.Bool(3), packet.Binary(4))
}

// onProcessListResult answers the oldest outstanding process-list
// request. The manager answers in request order.
func (w *worker) onProcessListResult(packet *wire.Packet) {
	var processes []ProcessInfo
	status := StatusOK
	if err := codec.Unmarshal(packet.Binary(0), &processes); err != nil {
		w.logger.Warn("undecodable process list", "error", err)
		status = StatusFailed
		processes = nil
	}
	c, messageID, ok := w.links.popProcessList()
	if !ok {
		w.logger.Warn("process list nobody asked for")
		return
	}
	if c == nil {
		return
	}
	w.replyControl(c, messageID, &ControlReply{Status: status, Processes: processes})
}

func (w *worker) onConfigureLogsResult(packet *wire.Packet) {
	var results []bool
	if err := codec.Unmarshal(packet.Binary(1), &results); err != nil {
		w.logger.Warn("undecodable log configuration result", "error", err)
		results = nil
	}
	w.state.storeResult(packet.Uint64(0), results)
}

func (w *worker) onFlushLogResult(packet *wire.Packet) {
	w.state.storeResult(packet.Uint64(0), packet.Bool(1))
}

func (w *worker) onSystemConfig(packet *wire.Packet) {
	data := bytes.Clone(packet.Binary(0))
	if !w.state.storeSystemConfig(data) {
		w.logger.Debug("keeping local system configuration over manager push")
		return
	}
	digest := blake3.Sum256(data)
	w.logger.Info("system configuration updated", "bytes", len(data))
	w.publish(ConfigUpdatedEvent, digest[:])
}
