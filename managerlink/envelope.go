// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/hostruntime/lib/codec"
	"github.com/bureau-foundation/hostruntime/lib/compress"
)

type envelopeKind uint8

const (
	envelopeData envelopeKind = iota
	envelopeException
)

// envelope is the payload of a relayed message before chunking.
type envelope struct {
	Kind        envelopeKind `cbor:"kind"`
	Compression compress.Tag `cbor:"compression,omitempty"`
	// Size is the uncompressed body size.
	Size  int    `cbor:"size,omitempty"`
	Body  []byte `cbor:"body,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// encodeMessage serializes value into an envelope, compressing the body
// when it is at least threshold bytes and compression pays off. If value
// cannot be serialized the envelope carries the error instead, and the
// error is returned alongside the payload.
func encodeMessage(value any, tag compress.Tag, threshold int) ([]byte, error) {
	body, err := codec.Marshal(value)
	if err != nil {
		payload, envelopeErr := codec.Marshal(envelope{Kind: envelopeException, Error: err.Error()})
		if envelopeErr != nil {
			return nil, errors.Join(err, envelopeErr)
		}
		return payload, err
	}

	message := envelope{Kind: envelopeData, Size: len(body), Body: body}
	if tag != compress.None && len(body) >= threshold {
		if compressed, err := compress.Compress(body, tag); err == nil {
			message.Compression = tag
			message.Body = compressed
		}
	}
	payload, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding message envelope: %w", err)
	}
	return payload, nil
}

// decodeMessage unwraps an envelope into a CBOR body or an exception
// text.
func decodeMessage(payload []byte, limit int) (body []byte, exception string, err error) {
	var message envelope
	if err := codec.Unmarshal(payload, &message); err != nil {
		return nil, "", fmt.Errorf("decoding message envelope: %w", err)
	}
	switch message.Kind {
	case envelopeException:
		if message.Error == "" {
			return nil, "", errors.New("exception envelope without error text")
		}
		return nil, message.Error, nil
	case envelopeData:
		if message.Compression == compress.None {
			if message.Body == nil {
				return []byte{}, "", nil
			}
			return message.Body, "", nil
		}
		if message.Size < 0 || message.Size > limit {
			return nil, "", fmt.Errorf("declared body size %d outside limit %d", message.Size, limit)
		}
		body, err := compress.Decompress(message.Body, message.Compression, message.Size)
		if err != nil {
			return nil, "", err
		}
		return body, "", nil
	default:
		return nil, "", fmt.Errorf("unknown envelope kind %d", message.Kind)
	}
}
