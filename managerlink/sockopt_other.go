// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package managerlink

import "syscall"

func controlSocket(string, string, syscall.RawConn) error { return nil }
