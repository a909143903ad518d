// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by runtime
// binaries.
package process

import (
	"fmt"
	"os"
)

// ExitCoder is implemented by errors that carry a specific exit code.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. Errors implementing
// ExitCoder choose the exit code; everything else exits 1. Use it in
// main() for errors returned by run(), where the structured logger may
// not exist yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if coder, ok := err.(ExitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}
