// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobmgr

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hostruntime/managerlink"
)

// Session is a control session. Requests on one session must not be
// issued concurrently.
type Session struct {
	peer *managerlink.Peer
}

func (s *Session) request(ctx context.Context, command managerlink.Command, port string) (*managerlink.ControlReply, error) {
	message := &managerlink.Message{Value: &managerlink.ControlRequest{Command: command, Port: port}}
	if err := s.peer.Send(ctx, message); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	for {
		response, err := s.peer.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
		if response.ReplyTo != message.ID {
			continue
		}
		reply, ok := response.Value.(*managerlink.ControlReply)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected reply %T", command, response.Value)
		}
		return reply, nil
	}
}

// RegisterPort publishes port. The error is a *managerlink.StatusError
// when the engine or manager refused.
func (s *Session) RegisterPort(ctx context.Context, port string) error {
	reply, err := s.request(ctx, managerlink.CommandRegister, port)
	if err != nil {
		return err
	}
	return reply.Status.Err()
}

// UnregisterPort withdraws a port this session registered.
func (s *Session) UnregisterPort(ctx context.Context, port string) error {
	reply, err := s.request(ctx, managerlink.CommandUnregister, port)
	if err != nil {
		return err
	}
	return reply.Status.Err()
}

// ProcessList returns the processes connected to the manager.
func (s *Session) ProcessList(ctx context.Context) ([]managerlink.ProcessInfo, error) {
	reply, err := s.request(ctx, managerlink.CommandProcessList, "")
	if err != nil {
		return nil, err
	}
	if err := reply.Status.Err(); err != nil {
		return nil, err
	}
	return reply.Processes, nil
}

// Connect turns the session into a data link to port and returns it.
// The session cannot issue further requests afterwards. After
// StatusNoSuchPort the engine has closed the session.
func (s *Session) Connect(ctx context.Context, port string) (*managerlink.Peer, error) {
	reply, err := s.request(ctx, managerlink.CommandConnect, port)
	if err != nil {
		return nil, err
	}
	if err := reply.Status.Err(); err != nil {
		return nil, err
	}
	return s.peer, nil
}

// Close ends the session. The engine unregisters every port it still
// holds.
func (s *Session) Close() error {
	return s.peer.Close()
}
