// Package systems implements the post-reduce System and Scheduler
// pipeline: deterministic, registration-ordered state transforms that
// run after every legal action, plus scheduled work that only fires
// on a subset of ticks. Catch-up after a clock warp replays exactly
// the schedulers due for every tick skipped, in scheduler-id order,
// so every peer converges on identical state regardless of how many
// real ticks it happened to observe individually. Catch-up is driven
// strictly by committed ticks, never wall time.
package systems

import (
	"sort"

	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// System is a registration-ordered state transform that runs once
// after each successful rule-kernel Apply. It does not run for an
// illegal action, nor for a committed tick that carries no actions.
type System interface {
	Update(state rulekernel.State, meta rulekernel.Meta) rulekernel.State
}

// SystemFunc adapts a plain function to a System.
type SystemFunc func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State

func (f SystemFunc) Update(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
	return f(state, meta)
}

// ScheduleKind tags the Schedule union.
type ScheduleKind string

const (
	// ScheduleEvery fires every EveryTicks ticks, starting at
	// StartTick (default 0), skipping any tick in Except.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleOnce fires exactly at AtTick, unless it is in Except.
	ScheduleOnce ScheduleKind = "once"
	// ScheduleManual fires only when ShouldRun reports true; it is
	// never replayed mechanically during catch-up beyond that check.
	ScheduleManual ScheduleKind = "manual"
)

// Schedule is a tagged union describing when a Scheduler is due.
type Schedule struct {
	Kind       ScheduleKind
	EveryTicks wire.Tick
	StartTick  wire.Tick
	AtTick     wire.Tick
	Except     map[wire.Tick]bool
	ShouldRun  func(state rulekernel.State, meta rulekernel.Meta) bool
}

// IsDue is the pure predicate deciding whether meta.OrderingTick is
// scheduled to run, independent of whether it has actually run before:
// callers are responsible for not re-running a tick twice.
func IsDue(s Schedule, state rulekernel.State, meta rulekernel.Meta) bool {
	tick := meta.OrderingTick
	if s.Except != nil && s.Except[tick] {
		return false
	}
	switch s.Kind {
	case ScheduleEvery:
		if s.EveryTicks <= 0 {
			return false
		}
		if tick < s.StartTick {
			return false
		}
		return (tick-s.StartTick)%s.EveryTicks == 0
	case ScheduleOnce:
		return tick == s.AtTick
	case ScheduleManual:
		if s.ShouldRun == nil {
			return false
		}
		return s.ShouldRun(state, meta)
	default:
		return false
	}
}

// Scheduler pairs an identity with a Schedule and the state transform
// it applies on a due tick. ID breaks ties deterministically when
// several schedulers are due on the same tick: they run sorted by ID,
// lexicographically.
type Scheduler struct {
	ID       string
	Schedule Schedule
	Apply    func(state rulekernel.State, meta rulekernel.Meta) rulekernel.State
}

// Pipeline runs the registered Systems, in registration order, then
// catches up every registered Scheduler across a range of committed
// ticks it has not yet seen.
type Pipeline struct {
	systems    []System
	schedulers []Scheduler
}

// NewPipeline builds a Pipeline; systems run in the order given.
func NewPipeline(systems []System, schedulers []Scheduler) *Pipeline {
	sorted := append([]Scheduler{}, schedulers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Pipeline{systems: systems, schedulers: sorted}
}

// RunSystems applies every registered System, in registration order,
// for the single applied action described by meta.
func (p *Pipeline) RunSystems(state rulekernel.State, meta rulekernel.Meta) rulekernel.State {
	for _, sys := range p.systems {
		state = sys.Update(state, meta)
	}
	return state
}

// schedulerOrigin is the Meta.From every scheduler-driven tick carries.
// A scheduled tick has no action author, and every peer must compute
// the identical catch-up fold regardless of whose node is running it,
// so From can never be the local peer's own identity here.
const schedulerOrigin wire.PeerID = ""

// CatchUpSchedulers runs every Scheduler due for any tick in
// (lastSchedulerTick, committedTick], in ascending tick order and,
// within a tick, in scheduler-id lexicographic order.
func (p *Pipeline) CatchUpSchedulers(state rulekernel.State, lastSchedulerTick, committedTick wire.Tick) rulekernel.State {
	for tick := lastSchedulerTick + 1; tick <= committedTick; tick++ {
		meta := rulekernel.Meta{From: schedulerOrigin, OrderingTick: tick}
		for _, sched := range p.schedulers {
			if IsDue(sched.Schedule, state, meta) {
				state = sched.Apply(state, meta)
			}
		}
	}
	return state
}
