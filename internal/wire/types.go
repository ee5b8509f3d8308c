// Package wire implements the on-the-wire protocol the lockstep core
// speaks over a single transport topic: a binary length-prefixed frame
// carrying a JSON envelope around a tagged NodeMessage variant.
package wire

import "encoding/json"

// Topic is the single transport topic all protocol messages travel on.
const Topic = "node"

// PeerID identifies a participant. Opaque, assigned by the embedder.
type PeerID string

// Tick is a non-negative logical ordering tick. -1 means "not started".
// An alias, not a defined type: tick values flow through arithmetic
// with millisecond durations and seq counters constantly, and every
// package doing that math should see one integer type.
type Tick = int64

// MessageType tags a NodeMessage variant with a stable wire string.
type MessageType string

const (
	TypeActionPropose MessageType = "ACTION_PROPOSE"
	TypeActionSeal    MessageType = "ACTION_SEAL"
	TypeActionCommit  MessageType = "ACTION_COMMIT"
	TypeSyncClock     MessageType = "SYNC_CLOCK"
)

// ProtocolVersion is the only envelope version this build understands.
const ProtocolVersion = "v1"

// NodeMessage is the discriminated union of protocol messages carried
// in an Envelope. Each variant below implements it by returning its
// own stable tag; there is no shared base struct, just the interface
// and a handful of small, independent value types.
type NodeMessage interface {
	Kind() MessageType
}

// SignedAction is one author-submitted action as carried over the
// wire, either inside an ACTION_PROPOSE or gossiped inside an
// ACTION_COMMIT.
type SignedAction struct {
	PeerID  PeerID          `json:"peerId"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq"`
}

// ActionPropose buffers a single author action for a tick.
type ActionPropose struct {
	RoomID  string          `json:"roomId"`
	PeerID  PeerID          `json:"peerId"`
	Tick    Tick            `json:"tick"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func (ActionPropose) Kind() MessageType { return TypeActionPropose }

// ActionSeal declares that its author will contribute no further
// actions to Tick. LastSeq is -1 when the author sent nothing.
type ActionSeal struct {
	RoomID  string `json:"roomId"`
	PeerID  PeerID `json:"peerId"`
	Tick    Tick   `json:"tick"`
	LastSeq int64  `json:"lastSeq"`
}

func (ActionSeal) Kind() MessageType { return TypeActionSeal }

// ActionCommit gossips a locally-computed commit. Advisory only: the
// core always recomputes commits itself and never adopts a peer's
// gossiped copy in place of its own.
type ActionCommit struct {
	RoomID  string         `json:"roomId"`
	Tick    Tick           `json:"tick"`
	Height  uint64         `json:"height"`
	Actions []SignedAction `json:"actions"`
}

func (ActionCommit) Kind() MessageType { return TypeActionCommit }

// SyncClock is a tick-warp hint: if Tick is ahead of the
// receiver's local tick, the receiver warps forward.
type SyncClock struct {
	RoomID string `json:"roomId"`
	PeerID PeerID `json:"peerId"`
	Tick   Tick   `json:"tick"`
}

func (SyncClock) Kind() MessageType { return TypeSyncClock }

// Commit is the deterministically-ordered flattening of one ordering
// tick's proposal buffer: a gap-free, 1-based Height in the Action
// Log, and the tick's actions in the canonical commit order.
type Commit struct {
	Height       uint64         `json:"height"`
	OrderingTick Tick           `json:"orderingTick"`
	Actions      []SignedAction `json:"actions"`
}
