// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the frame header: opcode plus the
// field-section length.
const HeaderSize = 5

// MaxFrameSize bounds the field section of a single frame. Message
// chunks are at most 511 KiB, so this only matters for configuration
// blobs and misbehaving peers.
const MaxFrameSize = 16 << 20

// PoolSize is the number of released packets kept for reuse.
const PoolSize = 8

// maxRetainedBuffer stops the pool from pinning unusually large
// encode buffers.
const maxRetainedBuffer = 1 << 20

var (
	// ErrUnknownOpcode is returned for a frame whose opcode has no
	// schema. The frame has been consumed; the stream is still in
	// sync.
	ErrUnknownOpcode = errors.New("wire: unknown opcode")

	// ErrMalformed is returned for a frame whose field section does
	// not match its opcode's schema.
	ErrMalformed = errors.New("wire: malformed packet")
)

type value struct {
	kind   Kind
	number uint64
	data   []byte
}

// Packet is one protocol packet: an opcode and its ordered fields.
// A Packet is not safe for concurrent use; it has exactly one owner at
// a time and ownership moves with it.
type Packet struct {
	op      Opcode
	values  []value
	encoded []byte
}

// pool is a channel-based free list. Unlike sync.Pool it is never
// cleared by the garbage collector, so its bound is exact.
var pool = make(chan *Packet, PoolSize)

// New returns an empty packet for op, reusing a released one when
// available.
func New(op Opcode) *Packet {
	var packet *Packet
	select {
	case packet = <-pool:
	default:
		packet = &Packet{}
	}
	packet.op = op
	return packet
}

// Release returns p to the pool. The caller must not touch p, or any
// slice obtained from it, afterwards.
func Release(p *Packet) {
	if p == nil {
		return
	}
	p.op = 0
	clear(p.values)
	p.values = p.values[:0]
	if cap(p.encoded) > maxRetainedBuffer {
		p.encoded = nil
	} else {
		p.encoded = p.encoded[:0]
	}
	select {
	case pool <- p:
	default:
	}
}

// Opcode returns the packet's opcode.
func (p *Packet) Opcode() Opcode { return p.op }

// NumFields returns the number of fields set or decoded so far.
func (p *Packet) NumFields() int { return len(p.values) }

func (p *Packet) put(v value) *Packet {
	p.values = append(p.values, v)
	p.encoded = p.encoded[:0]
	return p
}

// PutBool appends a boolean field.
func (p *Packet) PutBool(b bool) *Packet {
	var n uint64
	if b {
		n = 1
	}
	return p.put(value{kind: KindBool, number: n})
}

// PutUint32 appends a uint32 field.
func (p *Packet) PutUint32(n uint32) *Packet {
	return p.put(value{kind: KindUint32, number: uint64(n)})
}

// PutUint64 appends a uint64 field.
func (p *Packet) PutUint64(n uint64) *Packet {
	return p.put(value{kind: KindUint64, number: n})
}

// PutString appends a string field.
func (p *Packet) PutString(s string) *Packet {
	return p.put(value{kind: KindString, data: []byte(s)})
}

// PutBinary appends a binary field. The packet keeps a reference to
// data; the caller must not modify it until the packet is released.
func (p *Packet) PutBinary(data []byte) *Packet {
	return p.put(value{kind: KindBinary, data: data})
}

func (p *Packet) field(index int, kind Kind) value {
	if index < 0 || index >= len(p.values) {
		panic(fmt.Sprintf("wire: %s has no field %d", p.op, index))
	}
	v := p.values[index]
	if v.kind != kind {
		panic(fmt.Sprintf("wire: %s field %d is %s, not %s", p.op, index, v.kind, kind))
	}
	return v
}

// Bool returns field index, which must be a boolean. Decoded packets
// always match their schema, so a kind mismatch is a programming error
// and panics.
func (p *Packet) Bool(index int) bool { return p.field(index, KindBool).number != 0 }

// Uint32 returns field index, which must be a uint32.
func (p *Packet) Uint32(index int) uint32 { return uint32(p.field(index, KindUint32).number) }

// Uint64 returns field index, which must be a uint64.
func (p *Packet) Uint64(index int) uint64 { return p.field(index, KindUint64).number }

// String returns field index, which must be a string.
func (p *Packet) String(index int) string { return string(p.field(index, KindString).data) }

// Binary returns field index, which must be a binary. The slice aliases
// the packet's storage.
func (p *Packet) Binary(index int) []byte { return p.field(index, KindBinary).data }

// Encode validates the fields against the opcode's schema and returns
// the complete frame. The returned slice is owned by the packet and
// stays valid until the next Put or Release.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.encoded) > 0 {
		return p.encoded, nil
	}
	s, ok := schemas[p.op]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(p.op))
	}
	if len(s.fields) != len(p.values) {
		return nil, fmt.Errorf("encoding %s: %d fields, schema has %d", p.op, len(p.values), len(s.fields))
	}

	size := 0
	for index, v := range p.values {
		if v.kind != s.fields[index] {
			return nil, fmt.Errorf("encoding %s: field %d is %s, schema says %s", p.op, index, v.kind, s.fields[index])
		}
		size += fieldSize(v)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("encoding %s: %d byte field section exceeds %d", p.op, size, MaxFrameSize)
	}

	buffer := p.encoded[:0]
	buffer = append(buffer, byte(p.op))
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(size))
	for _, v := range p.values {
		switch v.kind {
		case KindBool:
			buffer = append(buffer, byte(v.number))
		case KindUint32:
			buffer = binary.BigEndian.AppendUint32(buffer, uint32(v.number))
		case KindUint64:
			buffer = binary.BigEndian.AppendUint64(buffer, v.number)
		case KindString, KindBinary:
			buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(v.data)))
			buffer = append(buffer, v.data...)
		}
	}
	p.encoded = buffer
	return buffer, nil
}

func fieldSize(v value) int {
	switch v.kind {
	case KindBool:
		return 1
	case KindUint32:
		return 4
	case KindUint64:
		return 8
	default:
		return 4 + len(v.data)
	}
}
