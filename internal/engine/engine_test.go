package engine

import (
	"encoding/json"
	"testing"

	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/systems"
	"github.com/azuma-ya/meshgame/internal/wire"
)

type counterState struct{ Value int }

type incrAction struct {
	By int `json:"by"`
}

type rules struct{}

func (rules) IsLegal(state rulekernel.State, action rulekernel.Action, meta rulekernel.Meta) error {
	if action.(incrAction).By <= 0 {
		return rulekernel.ErrIllegalAction
	}
	return nil
}

func (rules) Apply(state rulekernel.State, action rulekernel.Action, meta rulekernel.Meta) rulekernel.State {
	s := state.(counterState)
	s.Value += action.(incrAction).By
	return s
}

func decode(payload json.RawMessage) (rulekernel.Action, error) {
	return rulekernel.DecodeAs[incrAction](payload)
}

func TestEngine_ReduceAppliesLegalAction(t *testing.T) {
	e := New(counterState{}, rules{}, nil, decode, nil)
	action, err := e.DecodeAction(json.RawMessage(`{"by":4}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	next := e.Reduce(e.InitialState(), action, rulekernel.Meta{From: "A", OrderingTick: 0})
	if next.(counterState).Value != 4 {
		t.Fatalf("expected Value=4, got %#v", next)
	}
}

func TestEngine_ReduceIgnoresIllegalAction(t *testing.T) {
	e := New(counterState{}, rules{}, nil, decode, nil)
	action, _ := e.DecodeAction(json.RawMessage(`{"by":0}`))
	start := counterState{Value: 9}
	next := e.Reduce(start, action, rulekernel.Meta{From: "A"})
	if next.(counterState) != start {
		t.Fatalf("expected state unchanged for illegal action, got %#v", next)
	}
}

func TestEngine_ReduceRunsSystems(t *testing.T) {
	doubler := systems.SystemFunc(func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
		s := state.(counterState)
		s.Value *= 2
		return s
	})
	pipeline := systems.NewPipeline([]systems.System{doubler}, nil)
	e := New(counterState{}, rules{}, pipeline, decode, nil)

	action, _ := e.DecodeAction(json.RawMessage(`{"by":3}`))
	next := e.Reduce(e.InitialState(), action, rulekernel.Meta{From: "A"})
	if next.(counterState).Value != 6 {
		t.Fatalf("expected (0+3)*2=6, got %#v", next)
	}
}

func TestEngine_ObserveDefaultsToIdentity(t *testing.T) {
	e := New(counterState{Value: 7}, rules{}, nil, decode, nil)
	view := e.Observe(e.InitialState(), wire.PeerID("A"))
	if view.(counterState).Value != 7 {
		t.Fatalf("expected identity projection, got %#v", view)
	}
}

func TestEngine_StateCodecRoundTrip(t *testing.T) {
	e := New(counterState{}, rules{}, nil, decode, nil, WithStateCodec(
		func(state rulekernel.State) ([]byte, error) { return json.Marshal(state) },
		func(data []byte) (rulekernel.State, error) {
			var s counterState
			err := json.Unmarshal(data, &s)
			return s, err
		},
	))

	data, err := e.SerializeState(counterState{Value: 11})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	state, err := e.DeserializeState(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if state.(counterState).Value != 11 {
		t.Fatalf("expected round-tripped Value=11, got %#v", state)
	}
}

func TestEngine_DeserializeWithoutCodecFails(t *testing.T) {
	e := New(counterState{}, rules{}, nil, decode, nil)
	if _, err := e.DeserializeState([]byte(`{}`)); err != ErrNoStateCodec {
		t.Fatalf("expected ErrNoStateCodec, got %v", err)
	}
}

func TestEngine_CatchUpSchedulersDoesNotReplay(t *testing.T) {
	var runs int
	sched := systems.Scheduler{
		ID:       "tick",
		Schedule: systems.Schedule{Kind: systems.ScheduleEvery, EveryTicks: 1},
		Apply: func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
			runs++
			return state
		},
	}
	pipeline := systems.NewPipeline(nil, []systems.Scheduler{sched})
	e := New(counterState{}, rules{}, pipeline, decode, nil)

	e.CatchUpSchedulers(e.InitialState(), 2)
	if runs != 3 {
		t.Fatalf("expected 3 runs for ticks 0..2, got %d", runs)
	}
	e.CatchUpSchedulers(e.InitialState(), 2)
	if runs != 3 {
		t.Fatalf("expected no replay of already caught-up ticks, got %d runs", runs)
	}
	e.CatchUpSchedulers(e.InitialState(), 3)
	if runs != 4 {
		t.Fatalf("expected exactly one more run for tick 3, got %d", runs)
	}
}
