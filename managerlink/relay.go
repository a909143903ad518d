// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "github.com/bureau-foundation/hostruntime/lib/wire"

// relayOutbound serializes a local message and schedules its chunks.
// A message that cannot be serialized still goes out, as an exception
// the receiver sees in place of the body.
func (w *worker) relayOutbound(l *extLink, message *Message) {
	payload, err := encodeMessage(message.Value, w.options.Compression, w.options.CompressionThreshold)
	if err != nil {
		w.logger.Warn("message could not be serialized, sending exception",
			"link_id", l.id,
			"message_id", message.ID,
			"error", err,
		)
		if payload == nil {
			return
		}
	}

	chunks := splitChunks(payload)
	for index, chunk := range chunks {
		w.sendChunk(l, wire.New(wire.SendMessageOverLink).
			PutUint32(l.id).
			PutUint64(message.ID).
			PutUint64(message.ReplyTo).
			PutBool(index == len(chunks)-1).
			PutBinary(chunk))
	}
}

// relayInbound adds a chunk to l's reassembly and delivers the message
// when complete. Out-of-order chunks or undecodable envelopes are
// protocol violations and close the link.
func (w *worker) relayInbound(l *extLink, messageID, replyTo uint64, lastPart bool, chunk []byte) {
	payload, complete, err := l.reassembly.add(messageID, lastPart, chunk, w.options.MaxMessageSize)
	if err != nil {
		w.linkViolation(l, err)
		return
	}
	if !complete {
		return
	}
	body, exception, err := decodeMessage(payload, w.options.MaxMessageSize)
	if err != nil {
		w.linkViolation(l, err)
		return
	}
	w.deliver(l, &Message{
		ID:        messageID,
		ReplyTo:   replyTo,
		Body:      body,
		Exception: exception,
	})
}

func (w *worker) linkViolation(l *extLink, err error) {
	w.logger.Warn("protocol violation on link, disconnecting", "link_id", l.id, "error", err)
	w.linkBroken(l)
}
