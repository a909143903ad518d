// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "github.com/bureau-foundation/hostruntime/lib/wire"

const (
	// maxInflight is the number of packets handed to the transport
	// and not yet written.
	maxInflight = 4

	// A link with throttleHigh chunks scheduled stops being read until
	// it is down to throttleLow.
	throttleHigh = 8
	throttleLow  = 4
)

// send schedules a worker-originated packet that belongs to no link.
func (w *worker) send(packet *wire.Packet) {
	w.pending = append(w.pending, queueItem{packet: packet})
}

// sendChunk schedules a message chunk for l and throttles l once too
// many of its chunks are outstanding.
func (w *worker) sendChunk(l *extLink, packet *wire.Packet) {
	w.pending = append(w.pending, queueItem{linkID: l.id, packet: packet})
	l.scheduled++
	if !l.throttled && l.scheduled >= throttleHigh {
		l.throttled = true
		w.logger.Debug("throttling link", "link_id", l.id, "scheduled", l.scheduled)
	}
}

// finished accounts for a packet the transport is done with.
func (w *worker) finished(item queueItem) {
	if item.linkID != 0 {
		if l := w.links.ext(item.linkID); l != nil && l.scheduled > 0 {
			l.scheduled--
			if l.throttled && l.scheduled <= throttleLow {
				l.throttled = false
				w.logger.Debug("link readable again", "link_id", l.id)
			}
		}
	}
	wire.Release(item.packet)
}

// schedule moves packets to the transport until the in-flight limit is
// reached. Worker packets and the caller queue take turns so neither
// starves the other; while closing, worker packets go first so the
// Disconnect at the tail of the caller queue is sent last.
func (w *worker) schedule() {
	if config, ok := w.state.takeSystemConfig(); ok {
		w.send(wire.New(wire.SetSystemConfig).PutBinary(config))
	}
	for w.inflight < maxInflight {
		item, ok := w.next()
		if !ok {
			return
		}
		if _, err := item.packet.Encode(); err != nil {
			w.logger.Error("dropping unencodable packet", "opcode", item.packet.Opcode(), "error", err)
			w.finished(item)
			continue
		}
		w.conn.out <- item
		w.inflight++
	}
}

func (w *worker) next() (queueItem, bool) {
	w.preferShared = !w.preferShared
	if w.preferShared && !w.aborting {
		if items := w.state.take(1); len(items) == 1 {
			return items[0], true
		}
		return w.popPending()
	}
	if item, ok := w.popPending(); ok {
		return item, true
	}
	if items := w.state.take(1); len(items) == 1 {
		return items[0], true
	}
	return queueItem{}, false
}

func (w *worker) popPending() (queueItem, bool) {
	if len(w.pending) == 0 {
		return queueItem{}, false
	}
	item := w.pending[0]
	w.pending[0] = queueItem{}
	w.pending = w.pending[1:]
	return item, true
}

// dropPendingChunks discards l's chunks that have not reached the
// transport yet.
func (w *worker) dropPendingChunks(l *extLink) {
	kept := w.pending[:0]
	for _, item := range w.pending {
		if item.linkID == l.id {
			l.scheduled--
			wire.Release(item.packet)
			continue
		}
		kept = append(kept, item)
	}
	clear(w.pending[len(kept):])
	w.pending = kept
}
