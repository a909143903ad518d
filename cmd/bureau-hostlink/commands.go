// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostruntime/jobmgr"
	"github.com/bureau-foundation/hostruntime/lib/config"
	"github.com/bureau-foundation/hostruntime/managerlink"
)

// invocation is one parsed command line.
type invocation struct {
	flags  globalFlags
	config *config.Config
	logger *slog.Logger
	args   []string
	stdout io.Writer
}

var commands = map[string]func(*invocation) error{
	"status":    runStatus,
	"log":       runLog,
	"broadcast": runBroadcast,
	"processes": runProcesses,
	"flush":     runFlush,
	"logs":      runLogs,
	"config":    runConfig,
}

// session is a connected engine for the duration of one command.
type session struct {
	engine  *managerlink.Engine
	manager *jobmgr.Manager
	wait    time.Duration
}

// connect starts an engine and waits for the handshake. The caller
// must close the session, which drains anything queued.
func (inv *invocation) connect() (*session, error) {
	options, err := engineOptions(inv.config, inv.flags, inv.logger)
	if err != nil {
		return nil, err
	}
	timeouts, err := inv.config.Timeouts.Parse()
	if err != nil {
		return nil, err
	}
	wait := timeouts.ConnectWait
	if inv.flags.timeout > 0 {
		wait = inv.flags.timeout
	}

	engine, err := managerlink.New(options)
	if err != nil {
		return nil, err
	}
	manager := jobmgr.New(inv.logger)
	if err := engine.AttachJobManager(manager); err != nil {
		engine.Close()
		return nil, err
	}
	engine.Start()
	if !engine.WaitForConnection(wait) {
		engine.Close()
		return nil, fmt.Errorf("no connection to the manager at %s within %s", options.Address, wait)
	}
	return &session{engine: engine, manager: manager, wait: wait}, nil
}

func (s *session) Close() {
	s.engine.Close()
}

func (inv *invocation) requireArgs(minimum, maximum int, usage string) error {
	if len(inv.args) < minimum || (maximum >= 0 && len(inv.args) > maximum) {
		return usagef("usage: %s %s", binaryName, usage)
	}
	return nil
}

func runStatus(inv *invocation) error {
	if err := inv.requireArgs(0, 0, "status"); err != nil {
		return err
	}
	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	stats := s.engine.Stats()
	systemConfig := s.engine.SystemConfig()
	digest := blake3.Sum256(systemConfig)
	fmt.Fprintf(inv.stdout, "connected:      yes\n")
	fmt.Fprintf(inv.stdout, "process code:   %d\n", stats.ProcessCode)
	fmt.Fprintf(inv.stdout, "system config:  %d bytes, blake3 %s\n", len(systemConfig), hex.EncodeToString(digest[:]))
	return nil
}

func runLog(inv *invocation) error {
	if err := inv.requireArgs(2, -1, "log <name> <line>..."); err != nil {
		return err
	}
	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	s.engine.Log(inv.args[0], strings.Join(inv.args[1:], " "))
	s.engine.WaitSendQueueEmpty()
	return nil
}

func runBroadcast(inv *invocation) error {
	if err := inv.requireArgs(1, 2, "broadcast <name> [payload]"); err != nil {
		return err
	}
	var payload []byte
	if len(inv.args) == 2 {
		payload = []byte(inv.args[1])
	}
	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	s.engine.Broadcast(inv.args[0], payload)
	s.engine.WaitSendQueueEmpty()
	return nil
}

func runProcesses(inv *invocation) error {
	if err := inv.requireArgs(0, 0, "processes"); err != nil {
		return err
	}
	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := contextWithTimeout(s.wait)
	defer cancel()
	control, err := s.manager.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("opening control session: %w", err)
	}
	defer control.Close()
	processes, err := control.ProcessList(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	writer := tabwriter.NewWriter(inv.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CODE\tNAME")
	for _, process := range processes {
		fmt.Fprintf(writer, "%d\t%s\n", process.Code, process.Name)
	}
	return writer.Flush()
}

func runFlush(inv *invocation) error {
	if err := inv.requireArgs(1, 1, "flush <name>"); err != nil {
		return err
	}
	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.engine.FlushLog(inv.args[0]) {
		return fmt.Errorf("manager did not flush log %q", inv.args[0])
	}
	return nil
}

func runLogs(inv *invocation) error {
	if len(inv.args) == 0 || inv.args[0] != "configure" {
		return usagef("usage: %s logs configure <file>", binaryName)
	}
	inv.args = inv.args[1:]
	if err := inv.requireArgs(1, 1, "logs configure <file>"); err != nil {
		return err
	}
	var configs []managerlink.LogConfig
	if err := readJSONC(inv.args[0], &configs); err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("%s defines no logs", inv.args[0])
	}

	s, err := inv.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	results, ok := s.engine.ConfigureLogs(configs)
	if !ok {
		return fmt.Errorf("connection to the manager lost before it answered")
	}
	failed := 0
	for index, logConfig := range configs {
		status := "ok"
		if index >= len(results) || !results[index] {
			status = "failed"
			failed++
		}
		fmt.Fprintf(inv.stdout, "%s\t%s\n", logConfig.Name, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d logs not configured", failed, len(configs))
	}
	return nil
}

func runConfig(inv *invocation) error {
	if len(inv.args) == 0 {
		return usagef("usage: %s config get | config set <file>", binaryName)
	}
	switch inv.args[0] {
	case "get":
		inv.args = inv.args[1:]
		if err := inv.requireArgs(0, 0, "config get"); err != nil {
			return err
		}
		s, err := inv.connect()
		if err != nil {
			return err
		}
		defer s.Close()
		data := s.engine.SystemConfig()
		if json.Valid(data) {
			var indented bytes.Buffer
			if err := json.Indent(&indented, data, "", "  "); err == nil {
				data = append(indented.Bytes(), '\n')
			}
		}
		_, err = inv.stdout.Write(data)
		return err

	case "set":
		inv.args = inv.args[1:]
		if err := inv.requireArgs(1, 1, "config set <file>"); err != nil {
			return err
		}
		data, err := os.ReadFile(inv.args[0])
		if err != nil {
			return err
		}
		data = jsonc.ToJSON(data)
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", inv.args[0])
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			return err
		}

		s, err := inv.connect()
		if err != nil {
			return err
		}
		defer s.Close()
		s.engine.SetSystemConfig(compact.Bytes())
		digest := blake3.Sum256(compact.Bytes())
		inv.logger.Info("system configuration sent", "bytes", compact.Len(), "blake3", hex.EncodeToString(digest[:]))
		return nil

	default:
		return usagef("unknown config subcommand %q", inv.args[0])
	}
}

// readJSONC decodes a JSON file that may contain comments and trailing
// commas.
func readJSONC(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
