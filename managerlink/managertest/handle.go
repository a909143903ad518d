// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managertest

import (
	"bytes"
	"errors"
	"net"

	"github.com/bureau-foundation/hostruntime/lib/codec"
	"github.com/bureau-foundation/hostruntime/lib/netutil"
	"github.com/bureau-foundation/hostruntime/lib/wire"
	"github.com/bureau-foundation/hostruntime/managerlink"
)

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := wire.NewReader(conn)
	c, err := s.handshake(conn, reader)
	if err != nil {
		s.logger.Debug("handshake failed", "error", err)
		return
	}
	defer s.disconnect(c)

	for {
		if !s.waitUnpaused() {
			return
		}
		packet, err := reader.ReadPacket()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownOpcode) || errors.Is(err, wire.ErrMalformed) {
				s.logger.Warn("undecodable packet", "process", c.code, "error", err)
				continue
			}
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("read failed", "process", c.code, "error", err)
			}
			return
		}
		if packet.Opcode() == wire.Disconnect {
			s.record(c, packet)
			return
		}
		if s.options.Intercept != nil && s.options.Intercept(c, packet) {
			s.record(c, packet)
			continue
		}
		s.flush(s.handle(c, packet))
	}
}

func (s *Server) waitUnpaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.closed {
		s.cond.Wait()
	}
	return !s.closed
}

func (s *Server) handshake(conn net.Conn, reader *wire.Reader) (*Conn, error) {
	packet, err := reader.ReadPacket()
	if err != nil {
		return nil, err
	}
	defer wire.Release(packet)
	if packet.Opcode() != wire.RegisterProcess {
		return nil, errors.New("first packet is not " + wire.RegisterProcess.String())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("server closed")
	}
	code := packet.Uint64(0)
	if code == 0 || s.codeInUseLocked(code) {
		code = s.nextCode
		s.nextCode++
	}
	c := &Conn{server: s, conn: conn, code: code, name: packet.String(1)}
	s.conns[c] = struct{}{}
	config := bytes.Clone(s.config)
	s.mu.Unlock()

	err = c.Send(wire.New(wire.RegisterProcessResult).
		PutUint64(code).
		PutBool(s.options.HaveDebugger).
		PutBinary(config))
	if err != nil {
		s.disconnect(c)
		return nil, err
	}

	s.mu.Lock()
	s.handshakes++
	s.cond.Broadcast()
	s.mu.Unlock()
	return c, nil
}

func (s *Server) codeInUseLocked(code uint64) bool {
	for c := range s.conns {
		if c.code == code {
			return true
		}
	}
	return false
}

func (s *Server) record(c *Conn, packet *wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Process: c.code, Packet: packet})
	s.cond.Broadcast()
}

// handle applies one packet to the broker state and returns what to
// send. Recorded packets are never released.
func (s *Server) handle(c *Conn, packet *wire.Packet) []outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Process: c.code, Packet: packet})
	s.cond.Broadcast()

	switch packet.Opcode() {
	case wire.SendEvent:
		var sends []outgoing
		for other := range s.conns {
			if other != c {
				sends = append(sends, outgoing{other, wire.New(wire.IncomingEvent).
					PutString(packet.String(0)).
					PutBinary(packet.Binary(1))})
			}
		}
		return sends

	case wire.RegisterPort:
		port := packet.String(2)
		_, sink := s.sinkPorts[port]
		success := s.ports[port] == nil && !sink && port != managerlink.DebuggerPort
		if success {
			s.ports[port] = c
		}
		return []outgoing{{c, wire.New(wire.RegisterPortResult).
			PutUint32(packet.Uint32(0)).
			PutUint64(packet.Uint64(1)).
			PutString(port).
			PutBool(success)}}

	case wire.UnregisterPort:
		port := packet.String(2)
		success := s.ports[port] == c
		if success {
			delete(s.ports, port)
		}
		return []outgoing{{c, wire.New(wire.UnregisterPortResult).
			PutUint32(packet.Uint32(0)).
			PutUint64(packet.Uint64(1)).
			PutString(port).
			PutBool(success)}}

	case wire.ConnectLink:
		return s.connectLinkLocked(c, packet.Uint32(0), packet.Uint64(1), packet.String(2))

	case wire.OpenLinkResult:
		return s.openLinkResultLocked(c, packet.Uint32(0), packet.Bool(2))

	case wire.DisconnectLink:
		from := routeKey{c, packet.Uint32(0)}
		to, ok := s.routes[from]
		if !ok {
			return nil
		}
		delete(s.routes, from)
		if to.conn == nil {
			return nil
		}
		delete(s.routes, to)
		return []outgoing{{to.conn, wire.New(wire.LinkClosed).PutUint32(to.linkID)}}

	case wire.SendMessageOverLink:
		to, ok := s.routes[routeKey{c, packet.Uint32(0)}]
		if !ok || to.conn == nil {
			return nil
		}
		return []outgoing{{to.conn, wire.New(wire.IncomingMessage).
			PutUint32(to.linkID).
			PutUint64(packet.Uint64(1)).
			PutUint64(packet.Uint64(2)).
			PutBool(packet.Bool(3)).
			PutBinary(packet.Binary(4))}}

	case wire.GetProcessList:
		blob, err := codec.Marshal(s.processesLocked())
		if err != nil {
			s.logger.Error("encoding process list", "error", err)
			return nil
		}
		return []outgoing{{c, wire.New(wire.GetProcessListResult).PutBinary(blob)}}

	case wire.ConfigureLogs:
		var configs []managerlink.LogConfig
		var results []bool
		if err := codec.Unmarshal(packet.Binary(1), &configs); err != nil {
			s.logger.Warn("undecodable log configuration", "error", err)
		}
		for _, config := range configs {
			results = append(results, config.Name != "")
		}
		blob, err := codec.Marshal(results)
		if err != nil {
			s.logger.Error("encoding log results", "error", err)
			return nil
		}
		return []outgoing{{c, wire.New(wire.ConfigureLogsResult).PutUint64(packet.Uint64(0)).PutBinary(blob)}}

	case wire.FlushLog:
		return []outgoing{{c, wire.New(wire.FlushLogResult).PutUint64(packet.Uint64(0)).PutBool(true)}}

	case wire.SetSystemConfig:
		s.config = bytes.Clone(packet.Binary(0))
		var sends []outgoing
		for other := range s.conns {
			if other != c {
				sends = append(sends, outgoing{other, wire.New(wire.SystemConfig).PutBinary(s.config)})
			}
		}
		return sends
	}
	return nil
}

func (s *Server) connectLinkLocked(c *Conn, linkID uint32, messageID uint64, port string) []outgoing {
	result := func(success bool) []outgoing {
		return []outgoing{{c, wire.New(wire.ConnectLinkResult).
			PutUint32(linkID).
			PutUint64(messageID).
			PutBool(success)}}
	}

	requester := routeKey{c, linkID}
	if port == managerlink.DebuggerPort {
		if s.options.AcceptDebugger {
			s.routes[requester] = routeKey{}
		}
		return result(s.options.AcceptDebugger)
	}
	if _, sink := s.sinkPorts[port]; sink {
		s.routes[requester] = routeKey{}
		return result(true)
	}
	provider := s.ports[port]
	if provider == nil {
		return result(false)
	}

	id := s.nextLinkID
	s.nextLinkID++
	s.opens[id] = &pendingOpen{requester: requester, messageID: messageID, provider: provider}
	return []outgoing{{provider, wire.New(wire.OpenLink).
		PutUint32(id).
		PutUint64(messageID).
		PutString(port)}}
}

func (s *Server) openLinkResultLocked(c *Conn, linkID uint32, success bool) []outgoing {
	open, ok := s.opens[linkID]
	if !ok || open.provider != c {
		return nil
	}
	delete(s.opens, linkID)
	provider := routeKey{c, linkID}

	if open.result != nil {
		if success {
			s.routes[provider] = routeKey{}
		}
		open.result <- success
		return nil
	}
	if success {
		s.routes[open.requester] = provider
		s.routes[provider] = open.requester
	}
	return []outgoing{{open.requester.conn, wire.New(wire.ConnectLinkResult).
		PutUint32(open.requester.linkID).
		PutUint64(open.messageID).
		PutBool(success)}}
}

// disconnect forgets c, withdraws its ports, and closes every link
// routed through it.
func (s *Server) disconnect(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)
	for port, owner := range s.ports {
		if owner == c {
			delete(s.ports, port)
		}
	}
	var sends []outgoing
	for from, to := range s.routes {
		if from.conn != c {
			continue
		}
		delete(s.routes, from)
		if to.conn != nil {
			delete(s.routes, to)
			sends = append(sends, outgoing{to.conn, wire.New(wire.LinkClosed).PutUint32(to.linkID)})
		}
	}
	for id, open := range s.opens {
		if open.provider != c {
			continue
		}
		delete(s.opens, id)
		if open.result != nil {
			open.result <- false
		} else if open.requester.conn != c {
			sends = append(sends, outgoing{open.requester.conn, wire.New(wire.ConnectLinkResult).
				PutUint32(open.requester.linkID).
				PutUint64(open.messageID).
				PutBool(false)})
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	c.conn.Close()
	s.flush(sends)
}
