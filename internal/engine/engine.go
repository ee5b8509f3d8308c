// Package engine is the composition root the rest of the system talks
// to: it wires the Rule Kernel and the System/Scheduler pipeline
// behind one Reduce entry point plus a per-viewer state projection.
// Reduce never touches the network or the clock; everything
// time- or identity-shaped arrives through Meta.
package engine

import (
	"encoding/json"
	"errors"

	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/systems"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// ErrNoStateCodec is returned by DeserializeState when the embedding
// application never supplied a codec: the engine cannot know what
// concrete type to decode into.
var ErrNoStateCodec = errors.New("engine: no state codec configured")

// Decoder turns a raw action payload into the engine-defined Action
// type the Rules and Systems expect.
type Decoder func(payload json.RawMessage) (rulekernel.Action, error)

// Projector builds the state view a given viewer is allowed to see;
// the identity function is a valid Projector for engines with no
// hidden information.
type Projector func(state rulekernel.State, viewer wire.PeerID) interface{}

// Engine composes an initial state, a Rules pair, a Systems/Scheduler
// pipeline, a Decoder, and a Projector into the single Reduce entry
// point the Node Runtime drives.
type Engine struct {
	initial     rulekernel.State
	rules       rulekernel.Rules
	pipeline    *systems.Pipeline
	decode      Decoder
	project     Projector
	serialize   func(rulekernel.State) ([]byte, error)
	deserialize func([]byte) (rulekernel.State, error)
	schedTick   wire.Tick
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithStateCodec supplies the serializeState/deserializeState pair a
// late joiner or snapshot store needs. Without it SerializeState falls
// back to encoding/json and DeserializeState fails.
func WithStateCodec(serialize func(rulekernel.State) ([]byte, error), deserialize func([]byte) (rulekernel.State, error)) Option {
	return func(e *Engine) {
		e.serialize = serialize
		e.deserialize = deserialize
	}
}

// New builds an Engine. project may be nil, in which case Observe
// returns state unchanged for every viewer.
func New(initial rulekernel.State, rules rulekernel.Rules, pipeline *systems.Pipeline, decode Decoder, project Projector, opts ...Option) *Engine {
	if project == nil {
		project = func(state rulekernel.State, _ wire.PeerID) interface{} { return state }
	}
	e := &Engine{
		initial:   initial,
		rules:     rules,
		pipeline:  pipeline,
		decode:    decode,
		project:   project,
		schedTick: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitialState returns a fresh starting state for a new room.
func (e *Engine) InitialState() rulekernel.State { return e.initial }

// DecodeAction turns a wire payload into a typed Action.
func (e *Engine) DecodeAction(payload json.RawMessage) (rulekernel.Action, error) {
	return e.decode(payload)
}

// IsLegal delegates straight to the Rule Kernel. Reduce performs the
// same check itself, so callers of Reduce need not call this first.
func (e *Engine) IsLegal(state rulekernel.State, action rulekernel.Action, meta rulekernel.Meta) error {
	return e.rules.IsLegal(state, action, meta)
}

// Reduce validates, applies, and runs Systems for one action, in that
// order; an illegal action leaves state unchanged rather than erroring
// the caller — invalid actions are no-ops, not faults.
func (e *Engine) Reduce(state rulekernel.State, action rulekernel.Action, meta rulekernel.Meta) rulekernel.State {
	if err := e.rules.IsLegal(state, action, meta); err != nil {
		return state
	}
	state = e.rules.Apply(state, action, meta)
	if e.pipeline != nil {
		state = e.pipeline.RunSystems(state, meta)
	}
	return state
}

// CatchUpSchedulers runs every Scheduler due across every tick in
// (lastSchedulerTick, committedTick], then remembers committedTick as
// the new high-water mark so later calls never replay a tick twice.
func (e *Engine) CatchUpSchedulers(state rulekernel.State, committedTick wire.Tick) rulekernel.State {
	if e.pipeline == nil {
		e.schedTick = committedTick
		return state
	}
	state = e.pipeline.CatchUpSchedulers(state, e.schedTick, committedTick)
	e.schedTick = committedTick
	return state
}

// Observe projects state into the view viewer is allowed to see.
func (e *Engine) Observe(state rulekernel.State, viewer wire.PeerID) interface{} {
	return e.project(state, viewer)
}

// SerializeState renders state for persistence or late-joiner
// transfer.
func (e *Engine) SerializeState(state rulekernel.State) ([]byte, error) {
	if e.serialize != nil {
		return e.serialize(state)
	}
	return json.Marshal(state)
}

// DeserializeState is the inverse of SerializeState. It requires a
// codec from WithStateCodec; there is no generic fallback, since only
// the embedder knows the concrete state type.
func (e *Engine) DeserializeState(data []byte) (rulekernel.State, error) {
	if e.deserialize == nil {
		return nil, ErrNoStateCodec
	}
	return e.deserialize(data)
}
