// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostruntime/jobmgr"
	"github.com/bureau-foundation/hostruntime/lib/events"
	"github.com/bureau-foundation/hostruntime/lib/testutil"
	"github.com/bureau-foundation/hostruntime/lib/wire"
	"github.com/bureau-foundation/hostruntime/managerlink"
	"github.com/bureau-foundation/hostruntime/managerlink/managertest"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newServer(t *testing.T, options managertest.Options) *managertest.Server {
	t.Helper()
	server, err := managertest.NewServer(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// testProcess is one engine with an attached job manager and event
// bus, connected to a test server.
type testProcess struct {
	engine *managerlink.Engine
	jobs   *jobmgr.Manager
	bus    *events.Bus
}

func newProcess(t *testing.T, server *managertest.Server, configure func(*managerlink.Options)) *testProcess {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus()
	options := managerlink.Options{
		Address:        server.Address(),
		DisplayName:    t.Name(),
		Logger:         logger,
		Events:         bus,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if configure != nil {
		configure(&options)
	}
	engine, err := managerlink.New(options)
	if err != nil {
		t.Fatal(err)
	}
	jobs := jobmgr.New(logger)
	if err := engine.AttachJobManager(jobs); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })
	return &testProcess{engine: engine, jobs: jobs, bus: bus}
}

// startProcess starts a process and waits for its handshake.
func startProcess(t *testing.T, server *managertest.Server, configure func(*managerlink.Options)) *testProcess {
	t.Helper()
	p := newProcess(t, server, configure)
	p.engine.Start()
	if !p.engine.WaitForConnection(testTimeout) {
		t.Fatal("engine did not connect")
	}
	return p
}

func named(name string) func(*managerlink.Options) {
	return func(options *managerlink.Options) { options.DisplayName = name }
}

// watchEvents returns a channel receiving every event on bus whose name
// starts with prefix.
func watchEvents(bus *events.Bus, prefix string) <-chan events.Event {
	received := make(chan events.Event, 64)
	bus.Subscribe(func(event events.Event) {
		if !strings.HasPrefix(event.Name, prefix) {
			return
		}
		select {
		case received <- event:
		default:
		}
	})
	return received
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := managerlink.New(managerlink.Options{}); err == nil {
		t.Fatal("New accepted empty options")
	}
}

func TestHandshakeAssignsProcessCode(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, named("renderer"))

	stats := p.engine.Stats()
	if !stats.Connected || stats.ProcessCode != 1000 || stats.Connections != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	processes := server.Processes()
	if len(processes) != 1 || processes[0].Code != 1000 || processes[0].Name != "renderer" {
		t.Fatalf("server sees %+v", processes)
	}
}

func TestHandshakeOffersConfiguredProcessCode(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, func(options *managerlink.Options) { options.ProcessCode = 4242 })
	if code := p.engine.Stats().ProcessCode; code != 4242 {
		t.Fatalf("process code = %d, want 4242", code)
	}
}

func TestCloseWithoutStart(t *testing.T) {
	engine, err := managerlink.New(managerlink.Options{Address: "127.0.0.1:1", Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatal(err)
	}
	engine.Log("app", "never sent")
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := engine.AttachJobManager(jobmgr.New(nil)); !errors.Is(err, managerlink.ErrClosed) {
		t.Fatalf("attach after close: %v", err)
	}
	if dropped := engine.Stats().Dropped; dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestSynchronousCallsFailWhileDisconnected(t *testing.T) {
	engine, err := managerlink.New(managerlink.Options{
		Address: "unreachable",
		Logger:  slog.New(slog.DiscardHandler),
		Dial: func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
		ReconnectDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	engine.Start()
	defer engine.Close()

	if engine.WaitForConnection(20 * time.Millisecond) {
		t.Fatal("connected through a failing dialer")
	}
	if engine.FlushLog("app") {
		t.Error("FlushLog succeeded while disconnected")
	}
	if _, ok := engine.ConfigureLogs([]managerlink.LogConfig{{Name: "app"}}); ok {
		t.Error("ConfigureLogs succeeded while disconnected")
	}
	if !engine.WaitForDebugInit(0) {
		t.Error("debug init pending without a connection")
	}
}

func TestPacketsQueuedBeforeConnectAreSent(t *testing.T) {
	server := newServer(t, managertest.Options{})
	gate := make(chan struct{})
	p := newProcess(t, server, func(options *managerlink.Options) {
		options.Dial = func(ctx context.Context, address string) (net.Conn, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			var dialer net.Dialer
			return dialer.DialContext(ctx, "tcp", address)
		}
	})
	p.engine.Start()
	p.engine.Log("app", "early")
	close(gate)

	records, err := server.WaitFor(testContext(t), wire.Log, 1)
	if err != nil {
		t.Fatal(err)
	}
	if line := records[0].Packet.String(1); line != "early" {
		t.Errorf("logged %q", line)
	}
}

func TestLogAndFlush(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)

	p.engine.Log("app", "first")
	p.engine.Log("app", "second")
	if !p.engine.FlushLog("app") {
		t.Fatal("FlushLog failed")
	}

	records := server.Records(wire.Log)
	if len(records) != 2 {
		t.Fatalf("server logged %d lines before the flush, want 2", len(records))
	}
	for index, want := range []string{"first", "second"} {
		packet := records[index].Packet
		if packet.String(0) != "app" || packet.String(1) != want {
			t.Errorf("line %d = %s/%q", index, packet.String(0), packet.String(1))
		}
	}
}

func TestFlushLogFailsWhenConnectionLost(t *testing.T) {
	intercepted := make(chan struct{}, 1)
	server := newServer(t, managertest.Options{
		Intercept: func(_ *managertest.Conn, packet *wire.Packet) bool {
			if packet.Opcode() != wire.FlushLog {
				return false
			}
			intercepted <- struct{}{}
			return true
		},
	})
	p := startProcess(t, server, nil)

	result := make(chan bool, 1)
	go func() { result <- p.engine.FlushLog("app") }()
	testutil.RequireReceive(t, intercepted, testTimeout, "flush request not sent")
	server.DropConnections()

	if testutil.RequireReceive(t, result, testTimeout, "FlushLog still waiting after disconnect") {
		t.Fatal("FlushLog reported success without an answer")
	}
}

func TestConfigureLogs(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)

	results, ok := p.engine.ConfigureLogs([]managerlink.LogConfig{
		{Tag: "main", Root: "/var/log", Name: "app", Extension: "log", AutoFlush: true, RotateCount: 3},
		{Tag: "broken"},
	})
	if !ok {
		t.Fatal("ConfigureLogs failed")
	}
	if len(results) != 2 || !results[0] || results[1] {
		t.Fatalf("results = %v, want [true false]", results)
	}
}

func TestEventsExchangedBetweenProcesses(t *testing.T) {
	server := newServer(t, managertest.Options{})
	a := startProcess(t, server, named("a"))
	b := startProcess(t, server, named("b"))
	received := watchEvents(b.bus, "job:")

	a.bus.Publish(events.Event{Name: "job:private", Payload: []byte("x"), Local: true})
	a.bus.Publish(events.Event{Name: "job:done", Payload: []byte("42")})

	event := testutil.RequireReceive(t, received, testTimeout, "event not relayed")
	if event.Name != "job:done" || string(event.Payload) != "42" || !event.Local {
		t.Fatalf("received %+v", event)
	}
	if records := server.Records(wire.SendEvent); len(records) != 1 {
		t.Errorf("server received %d events, want 1", len(records))
	}
}

func TestSystemConfigPropagates(t *testing.T) {
	server := newServer(t, managertest.Options{})
	a := startProcess(t, server, named("a"))
	b := startProcess(t, server, named("b"))
	updates := watchEvents(b.bus, managerlink.ConfigUpdatedEvent)

	data := []byte(`{"render":{"threads":8}}`)
	a.engine.SetSystemConfig(data)

	event := testutil.RequireReceive(t, updates, testTimeout, "configuration update not published")
	digest := blake3.Sum256(data)
	if !bytes.Equal(event.Payload, digest[:]) {
		t.Errorf("update payload %x, want digest %x", event.Payload, digest)
	}
	if got := b.engine.SystemConfig(); !bytes.Equal(got, data) {
		t.Errorf("b has %q", got)
	}
	if got := a.engine.SystemConfig(); !bytes.Equal(got, data) {
		t.Errorf("a has %q", got)
	}
}

func TestSystemConfigReadBackBeforeConnecting(t *testing.T) {
	engine, err := managerlink.New(managerlink.Options{Address: "127.0.0.1:1", Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	data := []byte("local")
	engine.SetSystemConfig(data)
	data[0] = 'X'
	if got := engine.SystemConfig(); string(got) != "local" {
		t.Fatalf("system config = %q, want %q", got, "local")
	}
}

func TestSystemConfigFromHandshake(t *testing.T) {
	data := []byte(`{"initial":true}`)
	server := newServer(t, managertest.Options{SystemConfig: data})
	p := startProcess(t, server, nil)
	if got := p.engine.SystemConfig(); !bytes.Equal(got, data) {
		t.Fatalf("system config = %q, want %q", got, data)
	}
}

func TestSystemConfigPushedByManager(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)
	updates := watchEvents(p.bus, managerlink.ConfigUpdatedEvent)

	server.SetSystemConfig([]byte("pushed"))
	testutil.RequireReceive(t, updates, testTimeout, "configuration update not published")
	if got := p.engine.SystemConfig(); string(got) != "pushed" {
		t.Fatalf("system config = %q", got)
	}
}

func TestAttachJobManagerTwice(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)
	if err := p.engine.AttachJobManager(jobmgr.New(nil)); !errors.Is(err, managerlink.ErrJobManagerAttached) {
		t.Fatalf("second attach: %v", err)
	}
	if err := p.engine.AttachJobManager(nil); err == nil {
		t.Fatal("nil job manager accepted")
	}
}

func TestCloseDrainsQueueAndDisconnectsOnce(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)

	for range 10 {
		p.engine.Log("app", "line")
	}
	p.engine.Close()
	p.engine.Close()

	if _, err := server.WaitFor(testContext(t), wire.Disconnect, 1); err != nil {
		t.Fatal(err)
	}
	if logged := len(server.Records(wire.Log)); logged != 10 {
		t.Errorf("%d lines reached the server before Disconnect, want 10", logged)
	}
	if disconnects := len(server.Records(wire.Disconnect)); disconnects != 1 {
		t.Errorf("%d Disconnect packets, want 1", disconnects)
	}
	if p.engine.Connected() {
		t.Error("engine connected after Close")
	}
}

func TestWaitSendQueueEmpty(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)
	for range 32 {
		p.engine.Broadcast("tick", nil)
	}
	p.engine.WaitSendQueueEmpty()
	if queued := p.engine.Stats().Queued; queued != 0 {
		t.Fatalf("queue holds %d packets", queued)
	}
}

func TestReconnectKeepsProcessCodeAndJobManager(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)
	lifecycle := watchEvents(p.bus, "system:manager.")

	server.DropConnections()
	if err := server.WaitHandshakes(testContext(t), 2); err != nil {
		t.Fatal(err)
	}

	// The initial connect event may still be in flight; skip to the
	// disconnect.
	for {
		event := testutil.RequireReceive(t, lifecycle, testTimeout, "disconnect not published")
		if event.Name == managerlink.DisconnectedEvent {
			break
		}
	}
	event := testutil.RequireReceive(t, lifecycle, testTimeout, "reconnect not published")
	if event.Name != managerlink.ConnectedEvent || binary.BigEndian.Uint64(event.Payload) != 1000 {
		t.Fatalf("after disconnect: %s %x", event.Name, event.Payload)
	}

	testutil.Eventually(t, testTimeout, func() bool {
		return p.engine.Stats().Connections == 2 && p.engine.Connected()
	}, "engine did not report the second connection")
	if code := p.engine.Stats().ProcessCode; code != 1000 {
		t.Errorf("process code after reconnect = %d, want 1000", code)
	}

	session, err := p.jobs.OpenSession(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if _, err := session.ProcessList(testContext(t)); err != nil {
		t.Fatal(err)
	}
}

func TestDetachJobManager(t *testing.T) {
	server := newServer(t, managertest.Options{})
	p := startProcess(t, server, nil)
	ctx := testContext(t)

	session, err := p.jobs.OpenSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.engine.DetachJobManager()
	if _, err := session.ProcessList(ctx); !errors.Is(err, managerlink.ErrClosed) {
		t.Fatalf("session after detach: %v", err)
	}
	if err := server.WaitHandshakes(ctx, 2); err != nil {
		t.Fatal(err)
	}

	replacement := jobmgr.New(nil)
	if err := p.engine.AttachJobManager(replacement); err != nil {
		t.Fatal(err)
	}
	session, err = replacement.OpenSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if _, err := session.ProcessList(ctx); err != nil {
		t.Fatal(err)
	}
}
