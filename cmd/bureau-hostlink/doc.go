// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-hostlink is an operator tool that joins the manager as a
// short-lived process and performs one operation: report connection
// status, append to a manager log, raise an event, list processes,
// flush or configure logs, or read and replace the system
// configuration.
//
// The manager address comes from --address, or from the configuration
// file (--config or HOSTRUNTIME_CONFIG), or falls back to the default
// derived from the database port. Configuration and log definitions
// are read as JSONC, so operators may keep comments in them.
package main
