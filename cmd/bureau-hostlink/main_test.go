// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/hostruntime/lib/wire"
	"github.com/bureau-foundation/hostruntime/managerlink/managertest"
)

func newServer(t *testing.T, options managertest.Options) *managertest.Server {
	t.Helper()
	t.Setenv("HOSTRUNTIME_CONFIG", "")
	server, err := managertest.NewServer(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// runAgainst runs the command line against server and returns stdout.
func runAgainst(t *testing.T, server *managertest.Server, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	full := append([]string{"--address", server.Address(), "--timeout", "5s", "--name", "cli-test"}, args...)
	err := run(full, &stdout)
	return stdout.String(), err
}

// waitDisconnect waits until the server has seen the command's engine
// say goodbye, after which every packet it sent has been recorded.
func waitDisconnect(t *testing.T, server *managertest.Server) {
	t.Helper()
	if _, err := server.WaitFor(t.Context(), wire.Disconnect, 1); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func requireUsageError(t *testing.T, err error) {
	t.Helper()
	var usage *usageError
	if !errors.As(err, &usage) || usage.ExitCode() != 2 {
		t.Fatalf("error = %v, want a usage error", err)
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"--version"}, &stdout); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout.String(), binaryName+" ") {
		t.Fatalf("version output %q", stdout.String())
	}
}

func TestUsageErrors(t *testing.T) {
	t.Setenv("HOSTRUNTIME_CONFIG", "")
	for _, args := range [][]string{
		nil,
		{"frobnicate"},
		{"--no-such-flag", "status"},
		{"log", "app"},
		{"logs", "rotate"},
		{"config", "delete"},
	} {
		requireUsageError(t, run(args, &bytes.Buffer{}))
	}
}

func TestStatus(t *testing.T) {
	server := newServer(t, managertest.Options{SystemConfig: []byte(`{}`)})
	output, err := runAgainst(t, server, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(output, "process code:   1000") || !strings.Contains(output, "2 bytes") {
		t.Fatalf("status output:\n%s", output)
	}
	waitDisconnect(t, server)
}

func TestLog(t *testing.T) {
	server := newServer(t, managertest.Options{})
	if _, err := runAgainst(t, server, "log", "app", "hello", "world"); err != nil {
		t.Fatal(err)
	}
	waitDisconnect(t, server)
	records := server.Records(wire.Log)
	if len(records) != 1 || records[0].Packet.String(0) != "app" || records[0].Packet.String(1) != "hello world" {
		t.Fatalf("log records = %d", len(records))
	}
}

func TestBroadcast(t *testing.T) {
	server := newServer(t, managertest.Options{})
	if _, err := runAgainst(t, server, "broadcast", "job:done", "42"); err != nil {
		t.Fatal(err)
	}
	waitDisconnect(t, server)
	records := server.Records(wire.SendEvent)
	if len(records) != 1 || records[0].Packet.String(0) != "job:done" || string(records[0].Packet.Binary(1)) != "42" {
		t.Fatalf("event records = %d", len(records))
	}
}

func TestProcesses(t *testing.T) {
	server := newServer(t, managertest.Options{})
	output, err := runAgainst(t, server, "processes")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "CODE") || !strings.Contains(lines[1], "cli-test") {
		t.Fatalf("processes output:\n%s", output)
	}
}

func TestFlush(t *testing.T) {
	server := newServer(t, managertest.Options{})
	if _, err := runAgainst(t, server, "flush", "app"); err != nil {
		t.Fatal(err)
	}
	if records := server.Records(wire.FlushLog); len(records) != 1 || records[0].Packet.String(1) != "app" {
		t.Fatalf("flush records = %d", len(records))
	}
}

func TestLogsConfigure(t *testing.T) {
	server := newServer(t, managertest.Options{})
	path := writeFile(t, "logs.jsonc", `[
		// the main application log
		{"tag": "main", "root": "/var/log", "name": "app", "rotate_count": 3},
		{"tag": "unnamed", "root": "/var/log", "name": ""},
	]`)

	output, err := runAgainst(t, server, "logs", "configure", path)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("error = %v, want one failed log", err)
	}
	if output != "app\tok\n\tfailed\n" {
		t.Fatalf("output %q", output)
	}
}

func TestLogsConfigureRejectsUnknownFields(t *testing.T) {
	t.Setenv("HOSTRUNTIME_CONFIG", "")
	path := writeFile(t, "logs.jsonc", `[{"name": "app", "colour": "blue"}]`)
	err := run([]string{"--address", "127.0.0.1:1", "logs", "configure", path}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("error = %v", err)
	}
}

func TestConfigSetThenGet(t *testing.T) {
	server := newServer(t, managertest.Options{})
	path := writeFile(t, "system.jsonc", `{
		// render farm settings
		"render": {"threads": 8,},
	}`)
	if _, err := runAgainst(t, server, "config", "set", path); err != nil {
		t.Fatal(err)
	}
	waitDisconnect(t, server)
	if records := server.Records(wire.SetSystemConfig); len(records) != 1 {
		t.Fatalf("%d configuration packets, want 1", len(records))
	}

	output, err := runAgainst(t, server, "config", "get")
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"render\": {\n    \"threads\": 8\n  }\n}\n"
	if output != want {
		t.Fatalf("config get printed %q, want %q", output, want)
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Setenv("HOSTRUNTIME_CONFIG", "")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()

	err = run([]string{"--address", address, "--timeout", "100ms", "status"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "no connection") {
		t.Fatalf("error = %v", err)
	}
}
