// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/clock"
	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// newTestWorker returns a worker wired to an in-memory transport
// pipeline with no goroutines behind it.
func newTestWorker() *worker {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	options := Options{Address: "test", Clock: fake, Logger: slog.New(slog.DiscardHandler)}
	options.setDefaults()
	w := newWorker(options, options.Logger, newSharedState(fake))
	w.conn = &connection{
		out:  make(chan queueItem, maxInflight),
		sent: make(chan queueItem, maxInflight),
	}
	return w
}

func TestThrottleThresholds(t *testing.T) {
	w := newTestWorker()
	local, _ := NewPipe(1)
	l := &extLink{id: 3, local: local, established: true}
	w.links.put(l)

	for i := 1; i <= throttleHigh; i++ {
		w.sendChunk(l, wire.New(wire.DisconnectLink).PutUint32(l.id))
		if i < throttleHigh && l.throttled {
			t.Fatalf("throttled at %d scheduled chunks", i)
		}
	}
	if !l.throttled || l.readable() {
		t.Fatalf("not throttled at %d scheduled chunks", l.scheduled)
	}

	for l.scheduled > throttleLow+1 {
		item, _ := w.popPending()
		w.finished(item)
		if !l.throttled {
			t.Fatalf("unthrottled at %d scheduled chunks", l.scheduled)
		}
	}
	item, _ := w.popPending()
	w.finished(item)
	if l.scheduled != throttleLow || l.throttled || !l.readable() {
		t.Fatalf("scheduled=%d throttled=%v, want readable at %d", l.scheduled, l.throttled, throttleLow)
	}
}

func TestFinishedIgnoresUnknownLinks(t *testing.T) {
	w := newTestWorker()
	w.finished(queueItem{linkID: 99, packet: wire.New(wire.DisconnectLink).PutUint32(99)})

	l := &extLink{id: 4, established: true}
	w.links.put(l)
	w.finished(queueItem{linkID: 4, packet: wire.New(wire.DisconnectLink).PutUint32(4)})
	if l.scheduled != 0 {
		t.Errorf("scheduled = %d, want 0", l.scheduled)
	}
}

func TestScheduleStopsAtInflightLimit(t *testing.T) {
	w := newTestWorker()
	for range 3 {
		w.state.enqueue(wire.New(wire.Disconnect))
		w.send(wire.New(wire.DisconnectLink).PutUint32(1))
	}

	w.schedule()
	if w.inflight != maxInflight || len(w.conn.out) != maxInflight {
		t.Fatalf("inflight=%d out=%d, want %d", w.inflight, len(w.conn.out), maxInflight)
	}
	if remaining := len(w.pending) + w.state.queueLen(); remaining != 2 {
		t.Fatalf("%d packets left unscheduled, want 2", remaining)
	}

	var opcodes []wire.Opcode
	for range maxInflight {
		opcodes = append(opcodes, (<-w.conn.out).packet.Opcode())
	}
	for index := 1; index < len(opcodes); index++ {
		if opcodes[index] == opcodes[index-1] {
			t.Errorf("sources not alternated: %v", opcodes)
			break
		}
	}
}

func TestScheduleDropsUnencodablePackets(t *testing.T) {
	w := newTestWorker()
	w.send(wire.New(wire.Log))
	w.send(wire.New(wire.Disconnect))
	w.schedule()
	if w.inflight != 1 {
		t.Fatalf("inflight = %d, want 1", w.inflight)
	}
	if op := (<-w.conn.out).packet.Opcode(); op != wire.Disconnect {
		t.Errorf("scheduled %s, want Disconnect", op)
	}
}

func TestScheduleSendsWorkerPacketsFirstWhileClosing(t *testing.T) {
	w := newTestWorker()
	w.aborting = true
	w.state.appendTail(wire.New(wire.Disconnect))
	w.send(wire.New(wire.DisconnectLink).PutUint32(1))
	w.send(wire.New(wire.DisconnectLink).PutUint32(2))

	w.schedule()
	want := []wire.Opcode{wire.DisconnectLink, wire.DisconnectLink, wire.Disconnect}
	for index, op := range want {
		if got := (<-w.conn.out).packet.Opcode(); got != op {
			t.Fatalf("packet %d is %s, want %s", index, got, op)
		}
	}
}

func TestScheduleSendsSystemConfig(t *testing.T) {
	w := newTestWorker()
	w.state.setSystemConfig([]byte(`{"a":1}`))
	w.schedule()
	item := <-w.conn.out
	if item.packet.Opcode() != wire.SetSystemConfig || string(item.packet.Binary(0)) != `{"a":1}` {
		t.Fatalf("scheduled %s %q", item.packet.Opcode(), item.packet.Binary(0))
	}
	w.schedule()
	if len(w.conn.out) != 0 {
		t.Error("configuration sent twice")
	}
}

func TestDropPendingChunks(t *testing.T) {
	w := newTestWorker()
	a := &extLink{id: 1, established: true}
	b := &extLink{id: 2, established: true}
	w.links.put(a)
	w.links.put(b)
	w.sendChunk(a, wire.New(wire.DisconnectLink).PutUint32(1))
	w.sendChunk(b, wire.New(wire.DisconnectLink).PutUint32(2))
	w.sendChunk(a, wire.New(wire.DisconnectLink).PutUint32(1))

	w.dropPendingChunks(a)
	if len(w.pending) != 1 || w.pending[0].linkID != 2 {
		t.Fatalf("pending = %+v, want only link 2", w.pending)
	}
	if a.scheduled != 0 || b.scheduled != 1 {
		t.Errorf("scheduled a=%d b=%d", a.scheduled, b.scheduled)
	}
}
