package client

import (
	"context"
	"testing"
	"time"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
)

func awaitBoundEvent(t *testing.T, ch channel.Channel, want channel.EventKind) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				t.Fatalf("events closed before %v", want)
			}
			if ev.Kind == want {
				return
			}
		case <-deadline:
			t.Fatalf("never saw event %v", want)
		}
	}
}

func awaitBoundMessage(t *testing.T, ch channel.Channel) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Recv():
		if !ok {
			t.Fatal("recv closed while a message was expected")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
		return nil
	}
}

func TestBoundChannelSurvivesReconnect(t *testing.T) {
	dial := &recordingDial{build: func(int) (*scriptChannel, error) {
		return newScriptChannel(&protocol.AuthSuccess{ClientID: "c1"}), nil
	}}
	c := New(fastConfig(dial.dial))
	bound := c.Bind()
	defer bound.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	awaitBoundEvent(t, bound, channel.EventOpen)
	first := dial.channelAt(0)
	first.recv <- &protocol.Ping{}
	if _, ok := awaitBoundMessage(t, bound).(*protocol.Ping); !ok {
		t.Error("message from the first connection did not surface")
	}

	first.drop()
	// The reconnect re-authenticates and the bound channel switches over.
	awaitBoundEvent(t, bound, channel.EventOpen)
	second := dial.channelAt(1)
	if second == nil {
		t.Fatal("no reconnect attempt recorded")
	}
	second.recv <- &protocol.Pong{}
	if _, ok := awaitBoundMessage(t, bound).(*protocol.Pong); !ok {
		t.Error("message from the reconnected connection did not surface")
	}

	// Sends now target the fresh connection, not the dropped one.
	if err := bound.Send(&protocol.Ping{}); err != nil {
		t.Errorf("Send after reconnect: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBoundChannelClosesWhenLifecycleEnds(t *testing.T) {
	dial := &recordingDial{build: func(int) (*scriptChannel, error) {
		return newScriptChannel(&protocol.AuthFailed{Reason: "unknown session code"}), nil
	}}
	c := New(fastConfig(dial.dial))
	bound := c.Bind()

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	if err := <-done; protocol.CodeOf(err) != protocol.ErrNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %v", err)
	}
	awaitBoundEvent(t, bound, channel.EventClosed)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-bound.Recv():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("recv never closed after the lifecycle ended")
		}
	}
}

func TestBoundChannelSendWhileDisconnected(t *testing.T) {
	dial := &recordingDial{build: func(int) (*scriptChannel, error) {
		return newScriptChannel(&protocol.AuthSuccess{ClientID: "c1"}), nil
	}}
	c := New(fastConfig(dial.dial))
	bound := c.Bind()
	defer bound.Close()

	if err := bound.Send(&protocol.Ping{}); err != channel.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before the lifecycle starts, got %v", err)
	}
	if bound.IsOpen() {
		t.Error("bound channel reports open with no connection")
	}
}
