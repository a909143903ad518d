// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

// JobManager is the local component that owns this process's jobs.
// At most one is attached to an engine at a time.
type JobManager interface {
	// Sessions yields control sessions opened by local jobs. The
	// engine adds each to its link table as a control link.
	Sessions() <-chan Endpoint

	// ConnectPort is called when another process connects to a port
	// a local session registered. It returns the endpoint that serves
	// the new ext link.
	ConnectPort(port string) (Endpoint, error)

	// BindDebugLink hands over the local end of an established
	// debugger channel.
	BindDebugLink(*Peer)
}
