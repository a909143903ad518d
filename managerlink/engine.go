// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/clock"
	"github.com/bureau-foundation/hostruntime/lib/codec"
	"github.com/bureau-foundation/hostruntime/lib/compress"
	"github.com/bureau-foundation/hostruntime/lib/config"
	"github.com/bureau-foundation/hostruntime/lib/events"
	"github.com/bureau-foundation/hostruntime/lib/wire"
)

// Default timeouts, used for zero Options fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultDrainTimeout     = 3 * time.Second
	DefaultWaitTimeout      = 3 * time.Second

	defaultCompressionThreshold = 64 << 10
	defaultMaxMessageSize       = 64 << 20
)

// Event names the engine publishes as local events.
const (
	// ConfigUpdatedEvent is published when the manager pushes system
	// configuration. The payload is the BLAKE3-256 digest of the new
	// configuration.
	ConfigUpdatedEvent = "system:configupdate"

	// ConnectedEvent and DisconnectedEvent are published when the
	// manager connection comes up and goes down. The payload of
	// ConnectedEvent is the assigned process code, big endian.
	ConnectedEvent    = "system:manager.connected"
	DisconnectedEvent = "system:manager.disconnected"
)

// Options configures an Engine.
type Options struct {
	// Address is the manager's host:port.
	Address string

	// ProcessCode is offered in the handshake. Zero asks the manager
	// to assign one.
	ProcessCode uint64

	// DisplayName is shown in the manager's process list.
	DisplayName string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.Clock

	// Events, when set, is subscribed to export non-local events to
	// the manager and receives events from the manager.
	Events *events.Bus

	// Dial opens the transport. Defaults to TCP with keepalive and a
	// TCP user timeout.
	Dial func(ctx context.Context, address string) (net.Conn, error)

	// Compression is applied to ext-link message bodies of at least
	// CompressionThreshold bytes.
	Compression          compress.Tag
	CompressionThreshold int

	// MaxMessageSize bounds a reassembled inbound message.
	MaxMessageSize int

	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	DrainTimeout     time.Duration
}

// OptionsFromConfig builds Options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	timeouts, err := cfg.Timeouts.Parse()
	if err != nil {
		return Options{}, err
	}
	tag, err := compress.Parse(cfg.Link.Compression)
	if err != nil {
		return Options{}, fmt.Errorf("link.compression: %w", err)
	}
	return Options{
		Address:              cfg.Manager.ResolveAddress(),
		ProcessCode:          cfg.Process.Code,
		DisplayName:          cfg.Process.DisplayName,
		Logger:               logger,
		Compression:          tag,
		CompressionThreshold: cfg.Link.CompressionThreshold,
		MaxMessageSize:       cfg.Link.MaxMessageSize,
		HandshakeTimeout:     timeouts.Handshake,
		ReconnectDelay:       timeouts.Reconnect,
		DrainTimeout:         timeouts.Drain,
	}, nil
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Dial == nil {
		o.Dial = dialTCP
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = defaultCompressionThreshold
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
}

// Engine is a process's connection to the manager. Create one with
// New, start it with Start, and stop it with Close. All methods are
// safe for concurrent use.
type Engine struct {
	options Options
	logger  *slog.Logger
	state   *sharedState
	worker  *worker

	ctx    context.Context
	cancel context.CancelFunc

	startOnce    sync.Once
	closeOnce    sync.Once
	started      bool
	done         chan struct{}
	subscription *events.Subscription
}

// New returns an engine that has not started connecting.
func New(options Options) (*Engine, error) {
	if options.Address == "" {
		return nil, errors.New("managerlink: manager address is required")
	}
	options.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	state := newSharedState(options.Clock)
	logger := options.Logger.With("manager", options.Address)
	return &Engine{
		options: options,
		logger:  logger,
		state:   state,
		worker:  newWorker(options, logger, state),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Calls after the first have no
// effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.state.setRunning(true)
		e.started = true
		if e.options.Events != nil {
			e.subscription = e.options.Events.Subscribe(e.exportEvent)
		}
		go func() {
			defer close(e.done)
			e.worker.run(e.ctx)
		}()
	})
}

// exportEvent forwards events raised in this process to the manager.
func (e *Engine) exportEvent(event events.Event) {
	if event.Local {
		return
	}
	e.Broadcast(event.Name, event.Payload)
}

// Close drains queued packets for at most the drain timeout, sends
// Disconnect, and stops the worker. Only the first call has an effect.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.startOnce.Do(func() {})
		if e.subscription != nil {
			e.subscription.Close()
		}
		e.state.requestAbort()
		e.cancel()
		if e.started {
			<-e.done
		} else {
			e.state.shutdown()
		}
	})
	return nil
}

// Broadcast sends an event to every other process. It blocks only
// while the transmit queue is full and the engine is connected.
func (e *Engine) Broadcast(name string, payload []byte) {
	packet := wire.New(wire.SendEvent).PutString(name).PutBinary(payload)
	if !e.state.enqueue(packet) {
		e.logger.Debug("event dropped", "event", name)
	}
}

// Log appends a line to the named manager-side log.
func (e *Engine) Log(name, line string) {
	packet := wire.New(wire.Log).PutString(name).PutString(line)
	if !e.state.enqueue(packet) {
		e.logger.Debug("log line dropped", "log", name)
	}
}

// ConfigureLogs asks the manager to set up log files for this process.
// It returns one result per configuration, or ok=false if the engine is
// not connected or the connection was lost before the answer.
func (e *Engine) ConfigureLogs(configs []LogConfig) (results []bool, ok bool) {
	blob, err := codec.Marshal(configs)
	if err != nil {
		e.logger.Error("encoding log configuration", "error", err)
		return nil, false
	}
	result, ok := e.state.call(func(requestID uint64) *wire.Packet {
		return wire.New(wire.ConfigureLogs).PutUint64(requestID).PutBinary(blob)
	})
	if !ok {
		return nil, false
	}
	results, ok = result.([]bool)
	return results, ok
}

// FlushLog asks the manager to flush the named log and reports whether
// it did. It returns false immediately when not connected.
func (e *Engine) FlushLog(name string) bool {
	result, ok := e.state.call(func(requestID uint64) *wire.Packet {
		return wire.New(wire.FlushLog).PutUint64(requestID).PutString(name)
	})
	if !ok {
		return false
	}
	flushed, _ := result.(bool)
	return flushed
}

// SetSystemConfig replaces the system configuration locally and sends
// it to the manager, which distributes it to every other process. It
// never blocks; the latest value is sent once connected.
func (e *Engine) SetSystemConfig(data []byte) {
	e.state.setSystemConfig(data)
}

// SystemConfig returns a copy of the cached system configuration.
func (e *Engine) SystemConfig() []byte {
	return e.state.getSystemConfig()
}

// WaitSendQueueEmpty blocks until every queued packet has been handed
// to the transport, or the engine is not connected.
func (e *Engine) WaitSendQueueEmpty() {
	e.state.waitQueueEmpty()
}

// WaitForConnection waits up to timeout for the handshake to complete
// and reports whether the engine is connected.
func (e *Engine) WaitForConnection(timeout time.Duration) bool {
	return e.state.waitConnected(timeout)
}

// WaitForDebugInit waits up to timeout for the debugger channel to be
// resolved, when the manager announced a debugger.
func (e *Engine) WaitForDebugInit(timeout time.Duration) bool {
	return e.state.waitDebugInitDone(timeout)
}

// AttachJobManager hands the engine the component that opens control
// sessions and serves incoming links. It returns ErrJobManagerAttached
// if one is already attached.
func (e *Engine) AttachJobManager(manager JobManager) error {
	if manager == nil {
		return errors.New("managerlink: nil job manager")
	}
	return e.state.attach(manager)
}

// DetachJobManager tears down every link and releases the job manager,
// blocking until the worker has done so. The connection is
// re-established without it.
func (e *Engine) DetachJobManager() {
	e.state.detach()
}

// Connected reports whether the handshake with the manager has
// completed on the current connection.
func (e *Engine) Connected() bool {
	return e.state.stats().Connected
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.state.stats()
}
