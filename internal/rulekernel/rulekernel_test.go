package rulekernel

import (
	"encoding/json"
	"testing"

	"github.com/azuma-ya/meshgame/internal/wire"
)

// counterState/counterAction exercise Rules with a minimal example
// game: a shared counter that only ever increases, and only for the
// peer that currently "owns" the turn.
type counterState struct {
	Value int
	Owner wire.PeerID
}

type incrAction struct {
	By int `json:"by"`
}

type counterRules struct{}

func (counterRules) IsLegal(state State, action Action, meta Meta) error {
	s := state.(counterState)
	a := action.(incrAction)
	if a.By <= 0 {
		return ErrIllegalAction
	}
	if s.Owner != "" && s.Owner != meta.From {
		return ErrIllegalAction
	}
	return nil
}

func (counterRules) Apply(state State, action Action, meta Meta) State {
	s := state.(counterState)
	a := action.(incrAction)
	s.Value += a.By
	s.Owner = meta.From
	return s
}

func TestRules_IsLegalRejectsNonPositive(t *testing.T) {
	r := counterRules{}
	err := r.IsLegal(counterState{}, incrAction{By: 0}, Meta{From: "A"})
	if err != ErrIllegalAction {
		t.Fatalf("expected ErrIllegalAction, got %v", err)
	}
}

func TestRules_IsLegalRejectsWrongOwner(t *testing.T) {
	r := counterRules{}
	state := counterState{Value: 1, Owner: "A"}
	err := r.IsLegal(state, incrAction{By: 1}, Meta{From: "B"})
	if err != ErrIllegalAction {
		t.Fatalf("expected ErrIllegalAction for wrong owner, got %v", err)
	}
}

func TestRules_ApplyIsPure(t *testing.T) {
	r := counterRules{}
	meta := Meta{From: "A", OrderingTick: 3}
	s1 := r.Apply(counterState{}, incrAction{By: 5}, meta)
	s2 := r.Apply(counterState{}, incrAction{By: 5}, meta)
	if s1 != s2 {
		t.Fatalf("Apply must be deterministic: %#v vs %#v", s1, s2)
	}
}

func TestSeededRNG_Deterministic(t *testing.T) {
	meta := Meta{OrderingTick: 7}
	r1 := SeededRNG(42, meta, 0)
	r2 := SeededRNG(42, meta, 0)
	if r1.Int63() != r2.Int63() {
		t.Fatalf("SeededRNG must reproduce the same stream for identical inputs")
	}
}

func TestDecodeAs(t *testing.T) {
	raw := json.RawMessage(`{"by":3}`)
	a, err := DecodeAs[incrAction](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.By != 3 {
		t.Fatalf("expected By=3, got %d", a.By)
	}
}
