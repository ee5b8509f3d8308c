// Command lockstepdemo wires two loopback-connected nodes end to end:
// Tick Clock, Action Log, Lockstep Ordering, Rule Kernel, Engine
// Facade, and Node Runtime, all in one process. The loopback transport
// hands NodeMessage values across without encoding them, so the Wire
// Codec is not exercised, and no Systems pipeline is registered. It is
// example/glue code exercising the stack, not part of the core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/azuma-ya/meshgame/internal/actionlog"
	"github.com/azuma-ya/meshgame/internal/engine"
	"github.com/azuma-ya/meshgame/internal/noderuntime"
	"github.com/azuma-ya/meshgame/internal/ordering"
	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/transport/loopback"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// sharedState is the tiny example game: every peer's move nudges a
// shared counter, and the counter's owner is whoever moved last.
type sharedState struct {
	Value int
	Owner wire.PeerID
}

type moveAction struct {
	Delta int `json:"delta"`
}

type demoRules struct{}

func (demoRules) IsLegal(state rulekernel.State, action rulekernel.Action, _ rulekernel.Meta) error {
	if action.(moveAction).Delta == 0 {
		return rulekernel.ErrIllegalAction
	}
	return nil
}

func (demoRules) Apply(state rulekernel.State, action rulekernel.Action, meta rulekernel.Meta) rulekernel.State {
	s := state.(sharedState)
	s.Value += action.(moveAction).Delta
	s.Owner = meta.From
	return s
}

func decodeMove(payload json.RawMessage) (rulekernel.Action, error) {
	return rulekernel.DecodeAs[moveAction](payload)
}

func buildNode(id wire.PeerID, hub *loopback.Hub, t0Ms int64) *noderuntime.Runtime {
	cfg := ordering.RoomConfig{T0Ms: t0Ms, TickMs: 50, InputDelayTicks: 1, RoomID: "demo"}
	trans := loopback.New(hub, id)
	ord := ordering.New(cfg, trans, nil)

	eng := engine.New(sharedState{}, demoRules{}, nil, decodeMove, nil)
	log := actionlog.NewMemoryLog()

	return noderuntime.New(id, eng, log, ord, nil)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t0Ms := time.Now().UnixMilli()
	hub := loopback.NewHub()

	alice := buildNode("alice", hub, t0Ms)
	bob := buildNode("bob", hub, t0Ms)

	alice.OnStateChange(func(s noderuntime.StateSnapshot) {
		fmt.Printf("alice authoritative: %+v\n", s.Authoritative)
	})
	bob.OnStateChange(func(s noderuntime.StateSnapshot) {
		fmt.Printf("bob authoritative:   %+v\n", s.Authoritative)
	})

	if err := alice.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "alice start:", err)
		os.Exit(1)
	}
	if err := bob.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bob start:", err)
		os.Exit(1)
	}
	defer alice.Stop()
	defer bob.Stop()

	if _, err := alice.Submit(json.RawMessage(`{"delta":1}`), time.Now().UnixMilli()); err != nil {
		fmt.Fprintln(os.Stderr, "alice submit:", err)
	}
	if _, err := bob.Submit(json.RawMessage(`{"delta":2}`), time.Now().UnixMilli()); err != nil {
		fmt.Fprintln(os.Stderr, "bob submit:", err)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
}
