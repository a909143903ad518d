// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"errors"
	"fmt"
)

var (
	// ErrJobManagerAttached is returned by AttachJobManager when a job
	// manager is already attached. Attaching twice is a caller bug.
	ErrJobManagerAttached = errors.New("managerlink: a job manager is already attached")

	// ErrClosed is returned by operations on a closed engine or
	// endpoint.
	ErrClosed = errors.New("managerlink: closed")

	// errReassemblyMismatch is the protocol violation of a chunk
	// arriving for a message other than the one being reassembled.
	errReassemblyMismatch = errors.New("chunk for a different message while reassembling")

	// errMessageTooLarge is the protocol violation of a reassembled
	// message growing past the configured maximum.
	errMessageTooLarge = errors.New("reassembled message exceeds the size limit")
)

// StatusError is the error form of a non-OK control Status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("managerlink: %s", e.Status)
}

// RemoteError is returned by Message.Decode for a message whose sender
// failed to serialize it.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "managerlink: remote exception: " + e.Message
}
