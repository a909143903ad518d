// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/wire"
)

const (
	dialTimeout    = 10 * time.Second
	tcpKeepAlive   = 15 * time.Second
	tcpUserTimeout = 30 * time.Second
)

func dialTCP(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: tcpKeepAlive,
		Control:   controlSocket,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// connection is the non-blocking face of the manager transport. A
// reader goroutine decodes inbound packets and a writer goroutine
// writes scheduled packets; the worker exchanges packets with them over
// channels and never blocks on the socket.
type connection struct {
	conn   net.Conn
	reader *wire.Reader
	logger *slog.Logger

	// out holds packets handed to the writer. Its capacity equals the
	// in-flight limit, so a send from the scheduler never blocks.
	out chan queueItem
	// sent returns packets the writer has finished with.
	sent     chan queueItem
	inbound  chan *wire.Packet
	failed   chan error
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConnection(conn net.Conn, reader *wire.Reader, logger *slog.Logger) *connection {
	return &connection{
		conn:    conn,
		reader:  reader,
		logger:  logger,
		out:     make(chan queueItem, maxInflight),
		sent:    make(chan queueItem, maxInflight),
		inbound: make(chan *wire.Packet),
		failed:  make(chan error, 2),
		stop:    make(chan struct{}),
	}
}

func (c *connection) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *connection) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *connection) readLoop() {
	defer c.wg.Done()
	for {
		packet, err := c.reader.ReadPacket()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownOpcode) || errors.Is(err, wire.ErrMalformed) {
				c.logger.Warn("ignoring undecodable packet from manager", "error", err)
				continue
			}
			c.fail(err)
			return
		}
		select {
		case c.inbound <- packet:
		case <-c.stop:
			wire.Release(packet)
			return
		}
	}
}

func (c *connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case item := <-c.out:
			if err := wire.Write(c.conn, item.packet); err != nil {
				c.fail(err)
				c.sent <- item
				return
			}
			c.sent <- item
		case <-c.stop:
			return
		}
	}
}

// close shuts the socket, waits for both goroutines, and returns every
// packet still held by the pipeline to the pool.
func (c *connection) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
		c.wg.Wait()
		for {
			select {
			case item := <-c.out:
				wire.Release(item.packet)
			case item := <-c.sent:
				wire.Release(item.packet)
			default:
				return
			}
		}
	})
}
