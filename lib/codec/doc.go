// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR encoding configuration shared by every
// structured payload that crosses the manager connection: message
// bodies relayed over ext links, log configuration lists, process
// lists, and exception envelopes.
//
// The packet framing itself is hand-written (see lib/wire); CBOR is
// used only for the variable-shaped values carried inside binary
// packet fields. Encoding uses Core Deterministic Encoding (RFC 8949
// §4.2), so identical values always produce identical bytes.
//
// Types that only travel inside the runtime carry `cbor` struct tags.
package codec
