// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "github.com/bureau-foundation/hostruntime/lib/wire"

// debuggerBuffer is the capacity of the debugger link's pipe.
const debuggerBuffer = 16

// resolveDebugger opens the debugger channel once per connection when
// the manager announced a debugger and a job manager is there to take
// it. Without a job manager nothing will ever bind the channel, so
// waiters are released.
func (w *worker) resolveDebugger() {
	if !w.haveDebugger || w.debuggerAttempted || w.aborting {
		return
	}
	if w.jobManager == nil {
		w.state.clearDebugInit()
		return
	}
	w.debuggerAttempted = true

	local, peer := NewPipe(debuggerBuffer)
	id := w.links.allocate()
	w.links.put(&extLink{id: id, local: local, debugger: peer})
	w.debuggerLinkID = id
	w.send(wire.New(wire.ConnectLink).
		PutUint32(id).
		PutUint64(0).
		PutString(DebuggerPort))
	w.logger.Debug("opening debugger link", "link_id", id)
}

// debuggerResult completes the debugger handshake either way.
func (w *worker) debuggerResult(l *extLink, success bool) {
	w.debuggerLinkID = 0
	if success {
		l.established = true
		w.jobManager.BindDebugLink(l.debugger)
		w.logger.Info("debugger link established", "link_id", l.id)
	} else {
		w.logger.Warn("manager refused the debugger link")
		w.removeLink(l)
	}
	w.state.clearDebugInit()
}
