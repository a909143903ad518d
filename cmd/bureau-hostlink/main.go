// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hostruntime/lib/config"
	"github.com/bureau-foundation/hostruntime/lib/process"
	"github.com/bureau-foundation/hostruntime/lib/version"
	"github.com/bureau-foundation/hostruntime/managerlink"
)

const binaryName = "bureau-hostlink"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// usageError is a command-line mistake; it exits 2.
type usageError struct {
	message string
}

func (e *usageError) Error() string { return e.message }
func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{message: fmt.Sprintf(format, args...)}
}

type globalFlags struct {
	configPath  string
	address     string
	processCode uint64
	name        string
	timeout     time.Duration
	verbose     bool
	showVersion bool
}

func run(args []string, stdout io.Writer) error {
	var flags globalFlags
	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&flags.configPath, "config", "", "configuration file (default: $HOSTRUNTIME_CONFIG)")
	flagSet.StringVar(&flags.address, "address", "", "manager host:port, overriding the configuration")
	flagSet.Uint64Var(&flags.processCode, "process-code", 0, "process code to request (0: manager assigns)")
	flagSet.StringVar(&flags.name, "name", "", "display name in the process list (default: binary and version)")
	flagSet.DurationVar(&flags.timeout, "timeout", 0, "how long to wait for the manager (default: timeouts.connect_wait)")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&flags.showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &usageError{message: err.Error()}
	}
	if flags.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", binaryName, version.Full())
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printUsage(flagSet)
		return usagef("no command given")
	}
	command, ok := commands[remaining[0]]
	if !ok {
		return usagef("unknown command %q", remaining[0])
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, flags.verbose)
	if err != nil {
		return err
	}
	return command(&invocation{
		flags:  flags,
		config: cfg,
		logger: logger.With("command", remaining[0]),
		args:   remaining[1:],
		stdout: stdout,
	})
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("HOSTRUNTIME_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `%s talks to the manager as a short-lived process.

Usage: %s [flags] <command> [args]

Commands:
  status                     connect and report process code and configuration digest
  log <name> <line>...       append a line to a manager log
  broadcast <name> [payload] raise an event in every other process
  processes                  list the processes connected to the manager
  flush <name>               flush a manager log
  logs configure <file>      configure manager logs from a JSONC list
  config get                 print the system configuration
  config set <file>          replace the system configuration from a JSONC file

Flags:
%s`, binaryName, binaryName, flagSet.FlagUsages())
}

// engineOptions resolves the engine options from configuration and
// flags.
func engineOptions(cfg *config.Config, flags globalFlags, logger *slog.Logger) (managerlink.Options, error) {
	options, err := managerlink.OptionsFromConfig(cfg, logger)
	if err != nil {
		return managerlink.Options{}, err
	}
	if flags.address != "" {
		options.Address = flags.address
	}
	if flags.processCode != 0 {
		options.ProcessCode = flags.processCode
	}
	switch {
	case flags.name != "":
		options.DisplayName = flags.name
	case options.DisplayName == "":
		options.DisplayName = version.DisplayName(binaryName)
	}
	return options, nil
}
