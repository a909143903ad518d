// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "math"

// passiveLinkBit marks link ids allocated by the manager for links
// other processes open to our ports. Ids the engine allocates stay
// below it, so the two never collide.
const passiveLinkBit = 1 << 31

// link is a row of the link table: a *controlLink or an *extLink.
type link interface {
	linkID() uint32
	endpoint() Endpoint
}

// controlLink is a session through which a local job registers ports,
// connects, and lists processes.
type controlLink struct {
	id    uint32
	local Endpoint
	ports map[string]struct{}
	// processLists holds the message ids of this session's outstanding
	// process-list requests, oldest first.
	processLists []uint64
}

func (c *controlLink) linkID() uint32     { return c.id }
func (c *controlLink) endpoint() Endpoint { return c.local }

// extLink relays messages between a local endpoint and a port in some
// other process.
type extLink struct {
	id    uint32
	local Endpoint

	// established is false while a connect is awaiting its result.
	established bool

	// scheduled counts this link's chunks queued or in flight. The
	// link is throttled from throttleHigh until it drains to
	// throttleLow.
	scheduled int
	throttled bool

	reassembly reassembly

	// debugger is the local end handed to the job manager once the
	// debugger channel is established.
	debugger *Peer
}

func (l *extLink) linkID() uint32     { return l.id }
func (l *extLink) endpoint() Endpoint { return l.local }

// readable reports whether the worker should read the link's local
// endpoint.
func (l *extLink) readable() bool {
	return l.local != nil && l.established && !l.throttled
}

// linkTable maps link ids to links. Ids are process-unique: the
// counter survives reconnects.
type linkTable struct {
	links  map[uint32]link
	nextID uint32

	// processListOrder holds the control link id of every outstanding
	// process-list request in the order sent. The manager answers in
	// order, so the head is always the requester of the next answer.
	processListOrder []uint32
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[uint32]link)}
}

// allocate returns a fresh id below passiveLinkBit.
func (t *linkTable) allocate() uint32 {
	for {
		t.nextID++
		if t.nextID >= passiveLinkBit || t.nextID == math.MaxUint32 {
			t.nextID = 1
		}
		if _, taken := t.links[t.nextID]; !taken {
			return t.nextID
		}
	}
}

func (t *linkTable) put(l link) { t.links[l.linkID()] = l }

func (t *linkTable) get(id uint32) link { return t.links[id] }

func (t *linkTable) remove(id uint32) { delete(t.links, id) }

func (t *linkTable) control(id uint32) *controlLink {
	c, _ := t.links[id].(*controlLink)
	return c
}

func (t *linkTable) ext(id uint32) *extLink {
	l, _ := t.links[id].(*extLink)
	return l
}

func (t *linkTable) len() int { return len(t.links) }

// popProcessList removes the oldest outstanding process-list request
// and returns its control link and message id. The link is nil when it
// has since been torn down or converted to an ext link.
func (t *linkTable) popProcessList() (*controlLink, uint64, bool) {
	if len(t.processListOrder) == 0 {
		return nil, 0, false
	}
	id := t.processListOrder[0]
	t.processListOrder = t.processListOrder[1:]
	c := t.control(id)
	if c == nil || len(c.processLists) == 0 {
		return nil, 0, true
	}
	messageID := c.processLists[0]
	c.processLists = c.processLists[1:]
	return c, messageID, true
}

// reset empties the table, keeping the id counter.
func (t *linkTable) reset() {
	clear(t.links)
	t.processListOrder = nil
}

// reassembly accumulates the chunks of one inbound message.
type reassembly struct {
	active    bool
	messageID uint64
	buffer    []byte
}

// add appends a chunk. It returns the complete payload on the last
// chunk. A chunk for a different message than the one in progress, or
// a message growing past limit, is a protocol violation.
func (r *reassembly) add(messageID uint64, lastPart bool, chunk []byte, limit int) ([]byte, bool, error) {
	if r.active && messageID != r.messageID {
		return nil, false, errReassemblyMismatch
	}
	if !r.active {
		if len(chunk) > limit {
			return nil, false, errMessageTooLarge
		}
		if lastPart {
			return chunk, true, nil
		}
		r.active = true
		r.messageID = messageID
		r.buffer = append(r.buffer[:0], chunk...)
		return nil, false, nil
	}
	if len(r.buffer)+len(chunk) > limit {
		return nil, false, errMessageTooLarge
	}
	r.buffer = append(r.buffer, chunk...)
	if !lastPart {
		return nil, false, nil
	}
	payload := r.buffer
	*r = reassembly{}
	return payload, true, nil
}

// MaxChunkSize is the largest message payload carried by one
// SendMessageOverLink packet.
const MaxChunkSize = 511 * 1024

// splitChunks cuts payload into MaxChunkSize pieces. An empty payload
// is still one chunk.
func splitChunks(payload []byte) [][]byte {
	if len(payload) <= MaxChunkSize {
		return [][]byte{payload}
	}
	chunks := make([][]byte, 0, (len(payload)+MaxChunkSize-1)/MaxChunkSize)
	for len(payload) > MaxChunkSize {
		chunks = append(chunks, payload[:MaxChunkSize:MaxChunkSize])
		payload = payload[MaxChunkSize:]
	}
	return append(chunks, payload)
}
