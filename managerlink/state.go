// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"bytes"
	"sync"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/clock"
	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// maxQueued is the capacity of the caller-facing transmit queue.
// Producers block at this depth and resume once the worker has drained
// the queue completely.
const maxQueued = 16

// queueItem is one packet awaiting transmission. linkID is non-zero
// for message chunks, which count against their link's throttle.
type queueItem struct {
	linkID uint32
	packet *wire.Packet
}

// sharedState is the control block shared by caller goroutines and the
// worker. Every field is guarded by mu; cond is broadcast on every
// change a waiter could be blocked on.
type sharedState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	clock clock.Clock

	// wake nudges the worker out of its select. Capacity one: a
	// pending nudge already covers any later change.
	wake chan struct{}

	queue []queueItem

	jobManager        JobManager
	releaseJobManager bool
	abort             bool
	running           bool

	connected     bool
	epoch         uint64
	connections   uint64
	processCode   uint64
	haveDebugger  bool
	waitDebugInit bool

	nextRequestID uint64
	waiting       map[uint64]struct{}
	results       map[uint64]any

	systemConfig      []byte
	systemConfigDirty bool

	dropped          uint64
	blockedProducers int
}

func newSharedState(clk clock.Clock) *sharedState {
	s := &sharedState{
		clock:   clk,
		wake:    make(chan struct{}, 1),
		queue:   make([]queueItem, 0, maxQueued),
		waiting: make(map[uint64]struct{}),
		results: make(map[uint64]any),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sharedState) signalWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pushLocked appends packet to the queue, waiting while the queue is
// full and the worker is connected. A packet that still cannot be
// queued is dropped and counted; pushLocked takes ownership either way.
func (s *sharedState) pushLocked(packet *wire.Packet) bool {
	if len(s.queue) >= maxQueued && s.connected && !s.abort {
		s.blockedProducers++
		for len(s.queue) >= maxQueued && s.connected && !s.abort {
			s.cond.Wait()
		}
		s.blockedProducers--
	}
	if s.abort || len(s.queue) >= maxQueued {
		s.dropped++
		wire.Release(packet)
		return false
	}
	s.queue = append(s.queue, queueItem{packet: packet})
	s.signalWorker()
	return true
}

func (s *sharedState) enqueue(packet *wire.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(packet)
}

// call queues the packet build returns and waits for the worker to
// store a result under its request id. It fails without waiting when
// disconnected, and fails if the connection is lost before the result
// arrives.
func (s *sharedState) call(build func(requestID uint64) *wire.Packet) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.abort {
		return nil, false
	}
	s.nextRequestID++
	requestID := s.nextRequestID
	if !s.pushLocked(build(requestID)) {
		return nil, false
	}
	epoch := s.epoch
	s.waiting[requestID] = struct{}{}
	defer delete(s.waiting, requestID)
	for {
		if result, ok := s.results[requestID]; ok {
			delete(s.results, requestID)
			return result, true
		}
		if !s.connected || s.epoch != epoch {
			return nil, false
		}
		s.cond.Wait()
	}
}

// waitLocked blocks until condition holds or timeout elapses and
// reports whether it holds. The deadline is enforced by a clock timer
// that broadcasts, so fake clocks drive it.
func (s *sharedState) waitLocked(timeout time.Duration, condition func() bool) bool {
	if condition() {
		return true
	}
	if timeout <= 0 {
		return false
	}
	expired := false
	timer := s.clock.AfterFunc(timeout, func() {
		s.mu.Lock()
		expired = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	for !condition() && !expired {
		s.cond.Wait()
	}
	return condition()
}

func (s *sharedState) waitConnected(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(timeout, func() bool { return s.connected })
}

func (s *sharedState) waitDebugInitDone(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(timeout, func() bool { return !s.waitDebugInit })
}

// waitQueueEmpty returns once the queue is empty or the worker is not
// connected.
func (s *sharedState) waitQueueEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.connected && len(s.queue) > 0 {
		s.cond.Wait()
	}
}

func (s *sharedState) attach(manager JobManager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort {
		return ErrClosed
	}
	if s.jobManager != nil {
		return ErrJobManagerAttached
	}
	s.jobManager = manager
	s.releaseJobManager = false
	s.signalWorker()
	return nil
}

// detach asks the worker to release the job manager and waits until it
// has. Without a running worker there is nothing to tear down.
func (s *sharedState) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobManager == nil {
		return
	}
	if !s.running {
		s.jobManager = nil
		return
	}
	s.releaseJobManager = true
	s.signalWorker()
	for s.jobManager != nil && s.running {
		s.cond.Wait()
	}
}

func (s *sharedState) setSystemConfig(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemConfig = bytes.Clone(data)
	s.systemConfigDirty = true
	s.signalWorker()
}

func (s *sharedState) getSystemConfig() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.systemConfig)
}

func (s *sharedState) requestAbort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = true
	s.cond.Broadcast()
	s.signalWorker()
}

// Worker side.

// control is the worker's per-iteration view of the caller-set flags.
type control struct {
	abort             bool
	releaseJobManager bool
	jobManager        JobManager
}

func (s *sharedState) snapshot() control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return control{
		abort:             s.abort,
		releaseJobManager: s.releaseJobManager,
		jobManager:        s.jobManager,
	}
}

// take removes up to max queued items. Producers blocked on a full
// queue resume once it is empty.
func (s *sharedState) take(max int) []queueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(max, len(s.queue))
	if n == 0 {
		return nil
	}
	items := make([]queueItem, n)
	copy(items, s.queue)
	remaining := copy(s.queue, s.queue[n:])
	clear(s.queue[remaining:])
	s.queue = s.queue[:remaining]
	if remaining == 0 {
		s.cond.Broadcast()
	}
	return items
}

// appendTail queues a worker-originated packet behind everything
// callers queued, ignoring the capacity bound.
func (s *sharedState) appendTail(packet *wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queueItem{packet: packet})
}

func (s *sharedState) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// takeSystemConfig returns the locally set configuration if it has not
// been sent yet.
func (s *sharedState) takeSystemConfig() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.systemConfigDirty {
		return nil, false
	}
	s.systemConfigDirty = false
	return bytes.Clone(s.systemConfig), true
}

// storeSystemConfig caches configuration pushed by the manager. A
// local change still waiting to be sent wins.
func (s *sharedState) storeSystemConfig(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.systemConfigDirty {
		return false
	}
	s.systemConfig = bytes.Clone(data)
	return true
}

func (s *sharedState) markConnected(processCode uint64, haveDebugger bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.epoch++
	s.connections++
	s.processCode = processCode
	s.haveDebugger = haveDebugger
	s.waitDebugInit = haveDebugger
	s.cond.Broadcast()
}

// markDisconnected fails every pending synchronous call and wakes
// every waiter.
func (s *sharedState) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.waitDebugInit = false
	clear(s.results)
	s.cond.Broadcast()
}

func (s *sharedState) storeResult(requestID uint64, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[requestID]; !ok {
		return
	}
	s.results[requestID] = result
	s.cond.Broadcast()
}

func (s *sharedState) clearDebugInit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitDebugInit {
		s.waitDebugInit = false
		s.cond.Broadcast()
	}
}

func (s *sharedState) releasedJobManager() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobManager = nil
	s.releaseJobManager = false
	s.cond.Broadcast()
}

func (s *sharedState) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.cond.Broadcast()
}

// shutdown runs when the worker exits: nothing will be sent again, so
// queued packets are released and the job manager is let go.
func (s *sharedState) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.queue {
		wire.Release(item.packet)
	}
	s.dropped += uint64(len(s.queue))
	clear(s.queue)
	s.queue = s.queue[:0]
	s.connected = false
	s.waitDebugInit = false
	s.jobManager = nil
	s.releaseJobManager = false
	s.running = false
	s.cond.Broadcast()
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Connected bool
	// ProcessCode is the code the manager assigned in the last
	// handshake.
	ProcessCode uint64
	// Connections counts successful handshakes.
	Connections uint64
	// Queued is the depth of the caller-facing transmit queue.
	Queued int
	// Dropped counts packets discarded because the queue was full
	// while disconnected or the engine was closing.
	Dropped uint64
	// BlockedProducers is the number of callers waiting for room in
	// the queue.
	BlockedProducers int
}

func (s *sharedState) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connected:   s.connected,
		ProcessCode: s.processCode,
		Connections: s.connections,
		Queued:      len(s.queue),
		Dropped:     s.dropped,

		BlockedProducers: s.blockedProducers,
	}
}
