// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the passage of time so that timeouts, drain
// deadlines, and reconnect waits can be driven deterministically in
// tests.
//
// Code that waits on time holds a Clock instead of calling time.Now,
// time.After, or time.AfterFunc directly. Production wiring passes
// Real(); tests pass Fake(start) and move time with Advance.
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine := managerlink.New(managerlink.Options{Clock: fake, ...})
//	fake.WaitForTimers(1)      // the worker registered its reconnect wait
//	fake.Advance(2 * time.Second)
//
// Socket deadlines are not routed through the Clock: the kernel
// enforces them against wall time.
package clock
