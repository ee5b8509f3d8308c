// Package ordering implements the Lockstep Ordering Engine, the heart
// of the system: a tick-barrier protocol that deterministically
// produces a totally ordered, gap-free sequence of action commits
// across every peer running the same protocol.
package ordering

import (
	"github.com/azuma-ya/meshgame/internal/wire"
)

// PeerID identifies a participant, opaque and globally unique within
// a room.
type PeerID = wire.PeerID

// Tick is a non-negative logical ordering tick, or -1 before start.
type Tick = wire.Tick

// RoomConfig is the immutable per-session configuration every peer
// must share identically; divergence is a fatal configuration error,
// not recovered by this package.
type RoomConfig struct {
	T0Ms            int64
	TickMs          int64
	InputDelayTicks int64
	RoomID          string
}

// PeerEventKind tags a Transport-reported membership change.
type PeerEventKind string

const (
	PeerConnected    PeerEventKind = "peer_connected"
	PeerDisconnected PeerEventKind = "peer_disconnected"
)

// PeerEvent mirrors a connect/disconnect notification from the
// Transport layer.
type PeerEvent struct {
	Kind   PeerEventKind
	PeerID PeerID
	Reason string
}

// Transport is the external collaborator consumed by this package; it
// is treated as opaque, consumed only through this interface.
// Broadcast/Send are best-effort and fire-and-forget; the transport
// owns reconnection.
type Transport interface {
	Self() PeerID
	Start() error
	Stop() error
	Broadcast(msg wire.NodeMessage) error
	Send(to PeerID, msg wire.NodeMessage) error
	OnMessage(handler func(from PeerID, msg wire.NodeMessage))
	OnPeerEvent(handler func(event PeerEvent))
}
