// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// handleControlRequest serves one request from a control session.
// Requests the manager must answer are forwarded with the message ID as
// correlation id; the rest are answered locally.
func (w *worker) handleControlRequest(c *controlLink, message *Message) {
	request, ok := controlRequest(message.Value)
	if !ok {
		w.replyControl(c, message.ID, &ControlReply{Status: StatusInvalid})
		return
	}

	switch request.Command {
	case CommandRegister:
		if !validPort(request.Port) {
			w.replyControl(c, message.ID, &ControlReply{Status: StatusInvalid})
			return
		}
		if _, registered := c.ports[request.Port]; registered {
			w.replyControl(c, message.ID, &ControlReply{Status: StatusAlreadyRegistered})
			return
		}
		// Recorded now so a second register before the answer is a
		// duplicate; removed again if the manager refuses.
		c.ports[request.Port] = struct{}{}
		w.send(wire.New(wire.RegisterPort).
			PutUint32(c.id).
			PutUint64(message.ID).
			PutString(request.Port))

	case CommandUnregister:
		if _, registered := c.ports[request.Port]; !registered {
			w.replyControl(c, message.ID, &ControlReply{Status: StatusNotRegistered})
			return
		}
		delete(c.ports, request.Port)
		w.send(wire.New(wire.UnregisterPort).
			PutUint32(c.id).
			PutUint64(message.ID).
			PutString(request.Port))

	case CommandConnect:
		if len(c.ports) > 0 {
			w.replyControl(c, message.ID, &ControlReply{Status: StatusHasPorts})
			return
		}
		if !validPort(request.Port) {
			w.replyControl(c, message.ID, &ControlReply{Status: StatusInvalid})
			return
		}
		// The session keeps its id and endpoint and becomes a data
		// link, unreadable until the manager answers.
		w.links.put(&extLink{id: c.id, local: c.local})
		w.send(wire.New(wire.ConnectLink).
			PutUint32(c.id).
			PutUint64(message.ID).
			PutString(request.Port))

	case CommandProcessList:
		c.processLists = append(c.processLists, message.ID)
		w.links.processListOrder = append(w.links.processListOrder, c.id)
		w.send(wire.New(wire.GetProcessList).
			PutUint32(c.id).
			PutUint64(message.ID))

	default:
		w.replyControl(c, message.ID, &ControlReply{Status: StatusInvalid})
	}
}

func controlRequest(value any) (ControlRequest, bool) {
	switch request := value.(type) {
	case *ControlRequest:
		if request == nil {
			return ControlRequest{}, false
		}
		return *request, true
	case ControlRequest:
		return request, true
	}
	return ControlRequest{}, false
}

func validPort(port string) bool {
	return port != "" && port != DebuggerPort
}

// replyControl delivers a reply to a control session. A session that
// can no longer take replies is torn down like a broken one.
func (w *worker) replyControl(c *controlLink, replyTo uint64, reply *ControlReply) {
	w.deliver(c, &Message{ReplyTo: replyTo, Value: reply})
}

func (w *worker) deliver(l link, message *Message) {
	local := l.endpoint()
	if local == nil {
		return
	}
	if err := local.Deliver(message); err != nil {
		w.linkBroken(l)
	}
}

// linkBroken tears down a link whose local side went away and tells
// the manager: ports of a control session are unregistered, an ext
// link is disconnected.
func (w *worker) linkBroken(l link) {
	if w.links.get(l.linkID()) != l {
		return
	}
	switch l := l.(type) {
	case *controlLink:
		for _, port := range slices.Sorted(maps.Keys(l.ports)) {
			w.send(wire.New(wire.UnregisterPort).
				PutUint32(l.id).
				PutUint64(0).
				PutString(port))
		}
		w.logger.Debug("control session closed", "link_id", l.id, "ports", len(l.ports))
	case *extLink:
		w.send(wire.New(wire.DisconnectLink).PutUint32(l.id))
		w.logger.Debug("link closed locally", "link_id", l.id)
	}
	w.removeLink(l)
}
