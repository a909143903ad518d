// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/hostruntime/lib/codec"
)

// Message is one application message on a link.
type Message struct {
	// ID identifies the message within its link. Peers assign one
	// automatically when it is zero.
	ID uint64

	// ReplyTo is the ID of the message this one answers, or zero.
	ReplyTo uint64

	// Value is the body set by a local sender. On ext links the engine
	// serializes it with CBOR; on control sessions it is a
	// *ControlRequest or *ControlReply and is never serialized.
	Value any

	// Body is the CBOR body of a message relayed from another process.
	Body []byte

	// Exception is set instead of Body when the sending process could
	// not serialize its message.
	Exception string
}

// Decode unmarshals the message body into v. Messages built locally
// are not decodable; read Value instead.
func (m *Message) Decode(v any) error {
	if m.Exception != "" {
		return &RemoteError{Message: m.Exception}
	}
	if m.Body == nil {
		return errors.New("managerlink: message has no encoded body")
	}
	return codec.Unmarshal(m.Body, v)
}

// Endpoint is the engine's side of a link: a control session handed
// over by the job manager, or the local end of an ext link.
//
// The engine reads Incoming only while the link is readable and
// watches Broken to learn the local side went away. Deliver must not
// block: the worker goroutine calls it for every inbound message.
type Endpoint interface {
	// Incoming carries messages from the local side to the engine.
	Incoming() <-chan *Message

	// Broken is closed once the endpoint is unusable.
	Broken() <-chan struct{}

	// Deliver hands a message from the engine to the local side. It
	// returns an error only if the endpoint is broken.
	Deliver(*Message) error

	// Close breaks the endpoint. Idempotent.
	Close() error
}

// NewPipe returns the two ends of an in-process link. Messages the Peer
// sends wait in a channel of the given capacity until the engine reads
// them, which is what makes a throttled link push back on its sender.
// Messages the engine delivers queue without bound in the peer's
// mailbox.
func NewPipe(capacity int) (Endpoint, *Peer) {
	shared := &pipe{
		outgoing: make(chan *Message, capacity),
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
	return pipeEndpoint{shared}, &Peer{pipe: shared}
}

type pipe struct {
	outgoing chan *Message
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	closed  bool
	mailbox []*Message
	notify  chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
}

type pipeEndpoint struct {
	*pipe
}

func (e pipeEndpoint) Incoming() <-chan *Message { return e.outgoing }

func (e pipeEndpoint) Broken() <-chan struct{} { return e.done }

func (e pipeEndpoint) Deliver(message *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.mailbox = append(e.mailbox, message)
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e pipeEndpoint) Close() error {
	e.close()
	return nil
}

// Peer is the local job's side of an in-process link.
type Peer struct {
	pipe   *pipe
	nextID atomic.Uint64
}

// Send hands message to the engine, assigning an ID if it has none.
// It blocks while the link's buffer is full, which is the case while
// the engine throttles the link.
func (p *Peer) Send(ctx context.Context, message *Message) error {
	if message.ID == 0 {
		message.ID = p.nextID.Add(1)
	}
	select {
	case <-p.pipe.done:
		return ErrClosed
	default:
	}
	select {
	case p.pipe.outgoing <- message:
		return nil
	case <-p.pipe.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message the engine delivered. Messages
// delivered before the link broke are still returned; after that it
// returns ErrClosed.
func (p *Peer) Receive(ctx context.Context) (*Message, error) {
	for {
		p.pipe.mu.Lock()
		if len(p.pipe.mailbox) > 0 {
			message := p.pipe.mailbox[0]
			p.pipe.mailbox[0] = nil
			p.pipe.mailbox = p.pipe.mailbox[1:]
			p.pipe.mu.Unlock()
			return message, nil
		}
		closed := p.pipe.closed
		p.pipe.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-p.pipe.notify:
		case <-p.pipe.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the link breaks from either side.
func (p *Peer) Done() <-chan struct{} { return p.pipe.done }

// Close breaks the link. The engine notices and tears it down.
func (p *Peer) Close() error {
	p.pipe.close()
	return nil
}
