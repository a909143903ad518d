// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the packet format spoken between a worker
// process and the manager.
//
// Every packet is a frame:
//
//	[1 byte opcode] [4 bytes field-section length, big-endian] [fields]
//
// The fields follow the fixed order declared for the opcode in the
// schema table. Booleans are one byte (0 or 1), integers are fixed
// width big-endian, and strings and binaries are a 4-byte big-endian
// length followed by the bytes. The section length lets a reader skip
// opcodes it does not know without losing stream synchronization.
//
// Packets are built with New and the Put methods, encoded once with
// Encode, and handed back with Release once the bytes have been
// written. A small bounded pool recycles them.
package wire
