// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package managerlink maintains a worker process's connection to the
// central manager process.
//
// One [Engine] per process owns one TCP connection to the manager and
// multiplexes over it:
//
//   - fire-and-forget operations: [Engine.Broadcast], [Engine.Log],
//     [Engine.SetSystemConfig]
//   - synchronous operations: [Engine.ConfigureLogs], [Engine.FlushLog]
//   - control sessions opened by the attached [JobManager], used to
//     register ports, connect to ports, and list processes
//   - ext links: relayed message channels between a local endpoint and
//     a port in some other process, with chunking, reassembly, and
//     per-link throttling
//
// # Threading
//
// A single worker goroutine owns the transport, the link table, and
// the transmit scheduler. Caller goroutines touch only the shared
// control block (state.go), a mutex-and-condition-variable guarded
// struct. Callers never block on network I/O; they block on predicates
// of the shared state (queue not full, result present, connected),
// every one of which is bounded or cut short by a disconnect.
//
// The worker observes every readiness source with one reflect.Select
// per iteration (poller.go): inbound packets, transmit completions, its
// wake channel, the job manager's session channel, and the incoming
// and broken channels of every link endpoint. Throttling a link means
// leaving its incoming channel out of that select.
//
// # Lifecycle
//
// The worker loops Connecting → Registering → Connected until Close.
// Losing the manager tears down every link but keeps the attached job
// manager; only [Engine.DetachJobManager] releases it. Close drains the
// outgoing queue for at most the drain timeout, sends Disconnect, and
// stops the worker permanently.
//
// # Delivery guarantees
//
// Broadcast, Log and SetSystemConfig are best effort and at most once
// across reconnects: packets handed to the transport when the
// connection drops are lost and not redelivered.
package managerlink
