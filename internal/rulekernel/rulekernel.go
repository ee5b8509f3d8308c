// Package rulekernel holds the pure, deterministic game-rule pair at
// the bottom of the reducer stack: isLegal/apply.
// Neither function may read the wall clock or an unseeded RNG; both
// receive everything they need through meta.
package rulekernel

import (
	"encoding/json"
	"errors"
	"math/rand"

	"github.com/azuma-ya/meshgame/internal/wire"
)

// ErrIllegalAction is returned by Rules.IsLegal when an action is
// rejected; the engine facade reduces state unchanged in that case.
var ErrIllegalAction = errors.New("rulekernel: illegal action")

// Meta carries everything a rule needs beyond state and action,
// deliberately excluding wall time and unseeded randomness: the
// ordering tick anchors any RNG draw instead.
type Meta struct {
	From         wire.PeerID
	OrderingTick wire.Tick
	Height       *uint64
}

// State is the opaque, engine-defined game state. rulekernel never
// constructs one; it only validates and folds actions into whatever
// State the embedding Engine supplies.
type State interface{}

// Action is a decoded, engine-defined command. Decoding itself lives
// in the engine facade (decodeAction); by the time an Action reaches
// rulekernel it has already been typed.
type Action interface{}

// Rules is the pair the Engine Facade composes against: IsLegal must
// be side-effect free and Apply must be a pure fold. Both are called
// with the same Meta so acceptance and effect can never disagree on
// who authored an action or when.
type Rules interface {
	IsLegal(state State, action Action, meta Meta) error
	Apply(state State, action Action, meta Meta) State
}

// SeededRNG returns a deterministic source derived only from
// stateSeed, meta.OrderingTick and counter, never from time.Now or
// crypto/rand — every peer
// computing Apply for the same (state, action, meta) must draw the
// same sequence.
func SeededRNG(stateSeed int64, meta Meta, counter uint64) *rand.Rand {
	h := stateSeed
	h = h*31 + int64(meta.OrderingTick)
	h = h*31 + int64(counter)
	return rand.New(rand.NewSource(h))
}

// DecodeAs is a convenience used by concrete Rules implementations to
// unmarshal a SignedAction payload into a typed command.
func DecodeAs[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
