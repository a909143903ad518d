// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/hostruntime/lib/testutil"
)

func TestPipeRoundTrip(t *testing.T) {
	local, peer := NewPipe(2)
	ctx := context.Background()

	if err := peer.Send(ctx, &Message{Value: "hello"}); err != nil {
		t.Fatal(err)
	}
	sent := testutil.RequireReceive(t, local.Incoming(), time.Second, "message not forwarded")
	if sent.ID != 1 || sent.Value != "hello" {
		t.Fatalf("engine saw %+v", sent)
	}

	if err := local.Deliver(&Message{ID: 5, ReplyTo: sent.ID}); err != nil {
		t.Fatal(err)
	}
	reply, err := peer.Receive(ctx)
	if err != nil || reply.ReplyTo != 1 {
		t.Fatalf("reply=%+v err=%v", reply, err)
	}
}

func TestPipeSendBlocksWhenFull(t *testing.T) {
	_, peer := NewPipe(1)
	if err := peer.Send(context.Background(), &Message{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := peer.Send(ctx, &Message{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send into a full pipe: %v", err)
	}
}

func TestPipeClose(t *testing.T) {
	local, peer := NewPipe(1)
	if err := local.Deliver(&Message{ID: 1}); err != nil {
		t.Fatal(err)
	}
	local.Close()
	local.Close()

	testutil.RequireClosed(t, peer.Done(), time.Second, "peer not told about close")
	if message, err := peer.Receive(context.Background()); err != nil || message.ID != 1 {
		t.Fatalf("message delivered before close lost: %+v %v", message, err)
	}
	if _, err := peer.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close: %v", err)
	}
	if err := peer.Send(context.Background(), &Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := local.Deliver(&Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("deliver after close: %v", err)
	}
}

func TestPeerCloseBreaksEndpoint(t *testing.T) {
	local, peer := NewPipe(1)
	peer.Close()
	testutil.RequireClosed(t, local.Broken(), time.Second, "endpoint not broken by peer close")
}
