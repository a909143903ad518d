// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads frames from a byte stream.
type Reader struct {
	reader *bufio.Reader
}

// NewReader returns a Reader buffering r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPacket reads and decodes the next frame. Errors wrapping
// ErrUnknownOpcode or ErrMalformed leave the stream positioned at the
// next frame; any other error means the stream is unusable.
func (r *Reader) ReadPacket() (*Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		return nil, err
	}
	op := Opcode(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds %d", op, size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, fmt.Errorf("reading %s field section: %w", op, err)
	}
	return Decode(op, payload)
}

// Decode parses a field section for op. The returned packet's string
// and binary fields alias payload.
func Decode(op Opcode, payload []byte) (*Packet, error) {
	s, ok := schemas[op]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(op))
	}

	packet := New(op)
	rest := payload
	for index, kind := range s.fields {
		v, remaining, err := decodeField(kind, rest)
		if err != nil {
			Release(packet)
			return nil, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, op, index, err)
		}
		packet.values = append(packet.values, v)
		rest = remaining
	}
	if len(rest) != 0 {
		Release(packet)
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformed, op, len(rest))
	}
	return packet, nil
}

func decodeField(kind Kind, data []byte) (value, []byte, error) {
	switch kind {
	case KindBool:
		if len(data) < 1 {
			return value{}, nil, io.ErrUnexpectedEOF
		}
		if data[0] > 1 {
			return value{}, nil, fmt.Errorf("boolean byte %#x", data[0])
		}
		return value{kind: kind, number: uint64(data[0])}, data[1:], nil
	case KindUint32:
		if len(data) < 4 {
			return value{}, nil, io.ErrUnexpectedEOF
		}
		return value{kind: kind, number: uint64(binary.BigEndian.Uint32(data))}, data[4:], nil
	case KindUint64:
		if len(data) < 8 {
			return value{}, nil, io.ErrUnexpectedEOF
		}
		return value{kind: kind, number: binary.BigEndian.Uint64(data)}, data[8:], nil
	default:
		if len(data) < 4 {
			return value{}, nil, io.ErrUnexpectedEOF
		}
		length := binary.BigEndian.Uint32(data)
		data = data[4:]
		if uint64(length) > uint64(len(data)) {
			return value{}, nil, fmt.Errorf("length %d exceeds remaining %d bytes", length, len(data))
		}
		return value{kind: kind, data: data[:length:length]}, data[length:], nil
	}
}

// Write encodes p and writes the frame to w.
func Write(w io.Writer, p *Packet) error {
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", p.op, err)
	}
	return nil
}
