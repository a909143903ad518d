// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of a host process's
// manager connection.
//
// Configuration comes from exactly one file, named either by the
// HOSTRUNTIME_CONFIG environment variable ([Load]) or by a --config
// flag ([LoadFile]). There is no discovery and no environment-variable
// override of individual values.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches. After
// loading, ${VAR} and ${VAR:-default} patterns in host names and the
// display name are expanded.
//
// The manager address is derived from the configured database
// endpoint: the manager listens two ports above the database. Without
// a database port the well-known local fallback is used. See
// [ManagerConfig.ResolveAddress].
//
// This package depends on no other runtime packages.
package config
