// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "fmt"

// DebuggerPort is the reserved port through which the engine opens the
// debugger channel. Local sessions can neither register nor connect to
// it.
const DebuggerPort = "system:debugger"

// Command is a request a local job sends over a control session.
type Command uint8

const (
	// CommandRegister publishes a port with the manager.
	CommandRegister Command = iota + 1
	// CommandUnregister withdraws a port.
	CommandUnregister
	// CommandConnect connects the session to a port in some process.
	// On success the session becomes a data link.
	CommandConnect
	// CommandProcessList asks the manager for its process list.
	CommandProcessList
)

func (c Command) String() string {
	switch c {
	case CommandRegister:
		return "register"
	case CommandUnregister:
		return "unregister"
	case CommandConnect:
		return "connect"
	case CommandProcessList:
		return "getprocesslist"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// ControlRequest is the Value of a Message sent over a control session.
// The Message ID is the correlation id the reply answers.
type ControlRequest struct {
	Command Command
	Port    string
}

// Status is the outcome of a control request.
type Status uint8

const (
	StatusOK Status = iota
	// StatusFailed means the manager refused the request.
	StatusFailed
	// StatusAlreadyRegistered means this session already registered
	// the port. Detected locally; nothing is sent.
	StatusAlreadyRegistered
	// StatusNotRegistered means this session never registered the
	// port. Detected locally.
	StatusNotRegistered
	// StatusHasPorts rejects connect on a session that still provides
	// ports: a session is a provider or a consumer, never both.
	StatusHasPorts
	// StatusNoSuchPort means no process provides the port.
	StatusNoSuchPort
	// StatusInvalid means the request was malformed or named a
	// reserved port.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusAlreadyRegistered:
		return "already registered"
	case StatusNotRegistered:
		return "not registered"
	case StatusHasPorts:
		return "session has registered ports"
	case StatusNoSuchPort:
		return "no such port"
	case StatusInvalid:
		return "invalid request"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Err returns nil for StatusOK and a *StatusError otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s}
}

// ControlReply is the Value of the Message answering a ControlRequest.
type ControlReply struct {
	Status Status
	// Processes is set for CommandProcessList.
	Processes []ProcessInfo
}

// ProcessInfo describes one process known to the manager.
type ProcessInfo struct {
	Code uint64 `cbor:"code"`
	Name string `cbor:"name"`
}

// LogConfig describes one log file the manager should maintain for
// this process. It is read from JSON by the CLI and sent as CBOR.
type LogConfig struct {
	Tag         string `json:"tag"`
	Root        string `json:"root"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	AutoFlush   bool   `json:"auto_flush,omitempty"`
	RotateCount int    `json:"rotate_count,omitempty"`
	Timestamps  bool   `json:"timestamps,omitempty"`
}
