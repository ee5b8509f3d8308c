package loopback

import (
	"testing"

	"github.com/azuma-ya/meshgame/internal/ordering"
	"github.com/azuma-ya/meshgame/internal/wire"
)

func TestLoopback_BroadcastReachesOtherPeers(t *testing.T) {
	hub := NewHub()
	a := New(hub, "A")
	b := New(hub, "B")

	var received wire.NodeMessage
	b.OnMessage(func(from wire.PeerID, msg wire.NodeMessage) { received = msg })

	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}

	want := wire.ActionSeal{RoomID: "R", PeerID: "A", Tick: 1, LastSeq: 0}
	if err := a.Broadcast(want); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if received != want {
		t.Fatalf("expected %#v, got %#v", want, received)
	}
}

func TestLoopback_StartAnnouncesExistingPeers(t *testing.T) {
	hub := NewHub()
	a := New(hub, "A")
	var events []ordering.PeerEvent
	a.OnPeerEvent(func(ev ordering.PeerEvent) { events = append(events, ev) })
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}

	b := New(hub, "B")
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}

	if len(events) != 1 || events[0].PeerID != "B" || events[0].Kind != ordering.PeerConnected {
		t.Fatalf("expected A to learn of B's connection, got %#v", events)
	}
}

func TestLoopback_StopAnnouncesDisconnect(t *testing.T) {
	hub := NewHub()
	a := New(hub, "A")
	b := New(hub, "B")
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}

	var events []ordering.PeerEvent
	a.OnPeerEvent(func(ev ordering.PeerEvent) { events = append(events, ev) })

	if err := b.Stop(); err != nil {
		t.Fatalf("stop b: %v", err)
	}
	if len(events) != 1 || events[0].Kind != ordering.PeerDisconnected || events[0].PeerID != "B" {
		t.Fatalf("expected A to learn of B's disconnect, got %#v", events)
	}
}
