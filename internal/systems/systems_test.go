package systems

import (
	"strconv"
	"testing"

	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/wire"
)

type counter struct {
	Ticks   int
	Decays  int
	Bonuses int
}

func at(tick wire.Tick) rulekernel.Meta {
	return rulekernel.Meta{OrderingTick: tick}
}

func TestIsDue_Every(t *testing.T) {
	s := Schedule{Kind: ScheduleEvery, EveryTicks: 3, StartTick: 1}
	cases := map[wire.Tick]bool{0: false, 1: true, 2: false, 4: true, 7: true, 8: false}
	for tick, want := range cases {
		if got := IsDue(s, nil, at(tick)); got != want {
			t.Fatalf("tick %d: want %v got %v", tick, want, got)
		}
	}
}

func TestIsDue_Once(t *testing.T) {
	s := Schedule{Kind: ScheduleOnce, AtTick: 5}
	if !IsDue(s, nil, at(5)) || IsDue(s, nil, at(4)) || IsDue(s, nil, at(6)) {
		t.Fatalf("once schedule fired on the wrong tick")
	}
}

func TestIsDue_Except(t *testing.T) {
	s := Schedule{Kind: ScheduleEvery, EveryTicks: 1, Except: map[wire.Tick]bool{2: true}}
	if IsDue(s, nil, at(2)) {
		t.Fatalf("expected tick 2 to be excepted")
	}
	if !IsDue(s, nil, at(3)) {
		t.Fatalf("expected tick 3 to be due")
	}
}

func TestIsDue_Manual(t *testing.T) {
	s := Schedule{Kind: ScheduleManual, ShouldRun: func(state rulekernel.State, meta rulekernel.Meta) bool {
		return state.(counter).Ticks > 2
	}}
	if IsDue(s, counter{Ticks: 1}, at(0)) {
		t.Fatalf("manual schedule fired below its own threshold")
	}
	if !IsDue(s, counter{Ticks: 3}, at(0)) {
		t.Fatalf("manual schedule did not fire above its threshold")
	}
}

func TestPipeline_RunSystemsRegistrationOrder(t *testing.T) {
	var order []string
	sysA := SystemFunc(func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
		order = append(order, "A")
		return state
	})
	sysB := SystemFunc(func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
		order = append(order, "B")
		return state
	})
	p := NewPipeline([]System{sysA, sysB}, nil)
	p.RunSystems(counter{}, rulekernel.Meta{OrderingTick: 1})

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("expected registration order [A B], got %v", order)
	}
}

func TestPipeline_CatchUpSchedulers_OrderedByTickThenID(t *testing.T) {
	var log []string
	schedulers := []Scheduler{
		{
			ID:       "zzz",
			Schedule: Schedule{Kind: ScheduleEvery, EveryTicks: 1},
			Apply: func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
				log = append(log, "zzz@"+strconv.Itoa(int(meta.OrderingTick)))
				return state
			},
		},
		{
			ID:       "aaa",
			Schedule: Schedule{Kind: ScheduleEvery, EveryTicks: 1},
			Apply: func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
				log = append(log, "aaa@"+strconv.Itoa(int(meta.OrderingTick)))
				return state
			},
		},
	}
	p := NewPipeline(nil, schedulers)
	p.CatchUpSchedulers(counter{}, -1, 1)

	want := []string{"aaa@0", "zzz@0", "aaa@1", "zzz@1"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}
