// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the helpers shared by the runtime's tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so individual tests do not call time.After. [Eventually]
// polls a condition that is observable only from outside a goroutine
// (for example a counter in the fake manager). These are the only
// places where tests wait on wall-clock time; everything else uses
// lib/clock.
//
// All helpers call t.Fatalf on failure.
package testutil
