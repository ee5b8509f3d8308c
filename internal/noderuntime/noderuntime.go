// Package noderuntime is the outermost per-node composition: it pairs
// an authoritative state (rebuilt only from committed actions) with
// an optimistic state (authoritative plus the caller's own
// not-yet-committed actions replayed on top), and drives the Lockstep
// Ordering Engine's tick loop.
//
// The commit pipeline is FIFO-serialized through a single goroutine,
// supervised together with the ticker loop by an errgroup so a fatal
// HeightMismatch during log.Append tears down the whole node instead
// of just logging and continuing.
package noderuntime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/azuma-ya/meshgame/internal/actionlog"
	"github.com/azuma-ya/meshgame/internal/engine"
	"github.com/azuma-ya/meshgame/internal/membership"
	"github.com/azuma-ya/meshgame/internal/obslog"
	"github.com/azuma-ya/meshgame/internal/ordering"
	"github.com/azuma-ya/meshgame/internal/rulekernel"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// DefaultTickIntervalMs is the ticker loop's default period; production
// nodes tick far more often than a room's TickMs so seals and commits
// land close to their deadlines.
const DefaultTickIntervalMs = 16

type pendingAction struct {
	tempID  string
	payload json.RawMessage
}

// StateSnapshot pairs a Node Runtime's two states for callers that
// want both at once (e.g. a debug inspector).
type StateSnapshot struct {
	Authoritative rulekernel.State
	Optimistic    rulekernel.State
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithTickIntervalMs overrides the ticker period, mainly for tests.
func WithTickIntervalMs(ms int64) Option {
	return func(r *Runtime) { r.tickIntervalMs = ms }
}

// Runtime is the per-node facade wiring an Engine, an Action Log, and
// an Ordering engine into one submit/observe surface.
type Runtime struct {
	mu sync.Mutex

	self   wire.PeerID
	eng    *engine.Engine
	log    actionlog.Log
	ord    *ordering.Ordering
	roster *membership.Roster
	logger obslog.Logger

	authoritative rulekernel.State
	optimistic    rulekernel.State
	pending       []pendingAction

	tickIntervalMs int64
	started        bool
	stopCh         chan struct{}
	commitQueue    chan wire.Commit
	group          *errgroup.Group
	groupCancel    context.CancelFunc

	stateHandlers []func(StateSnapshot)
	fatalHandlers []func(error)
}

// New builds a Runtime. self must match the PeerID the ord's
// Transport reports for itself.
func New(self wire.PeerID, eng *engine.Engine, log actionlog.Log, ord *ordering.Ordering, logger obslog.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = obslog.NewDefaultLogger("noderuntime")
	}
	r := &Runtime{
		self:           self,
		eng:            eng,
		log:            log,
		ord:            ord,
		roster:         membership.NewRoster(self),
		logger:         logger,
		authoritative:  eng.InitialState(),
		optimistic:     eng.InitialState(),
		tickIntervalMs: DefaultTickIntervalMs,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange registers a subscriber notified after every optimistic
// or authoritative state update.
func (r *Runtime) OnStateChange(cb func(StateSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateHandlers = append(r.stateHandlers, cb)
}

// OnFatal registers a subscriber notified if the commit pipeline
// encounters an unrecoverable error (e.g. actionlog.ErrHeightMismatch)
// and the runtime is about to shut down.
func (r *Runtime) OnFatal(cb func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatalHandlers = append(r.fatalHandlers, cb)
}

// Start wires the Ordering subscriptions and launches the ticker
// loop, supervised by an errgroup so a fatal pipeline error cancels
// everything together.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.commitQueue = make(chan wire.Commit, 256)
	r.mu.Unlock()

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	r.group = group
	r.groupCancel = cancel

	// Ordering notifies commits synchronously and in order; handing
	// each straight to a buffered queue preserves that order while
	// letting the caller's Tick goroutine return immediately.
	r.ord.OnCommit(func(c wire.Commit) {
		select {
		case r.commitQueue <- c:
		case <-stopCh:
		}
	})

	r.ord.OnPeerEvent(func(ev ordering.PeerEvent) {
		switch ev.Kind {
		case ordering.PeerConnected:
			r.roster.AddPeer(membership.PeerInfo{ID: ev.PeerID, Role: membership.RolePeer})
		case ordering.PeerDisconnected:
			r.roster.RemovePeer(ev.PeerID)
		}
	})

	if err := r.ord.Start(); err != nil {
		cancel()
		return err
	}

	group.Go(func() error { return r.commitLoop(groupCtx) })
	group.Go(func() error { return r.tickLoop(groupCtx) })

	return nil
}

// commitLoop is the single FIFO-serialized consumer of committed
// ticks: one goroutine, one failure domain. A fatal error here
// propagates through the errgroup and tears down the ticker loop
// alongside it.
func (r *Runtime) commitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-r.commitQueue:
			if err := r.onCommit(c); err != nil {
				return err
			}
		}
	}
}

// Stop halts the ticker loop and the Ordering engine, and waits for
// any in-flight commit processing to finish. Idempotent; a stopped
// Runtime cannot be restarted.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	stopCh := r.stopCh
	r.stopCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	if r.groupCancel != nil {
		r.groupCancel()
	}
	err := r.ord.Stop()
	if r.group != nil {
		if gerr := r.group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			return gerr
		}
	}
	return err
}

func (r *Runtime) tickLoop(ctx context.Context) error {
	r.mu.Lock()
	stopCh := r.stopCh
	interval := r.tickIntervalMs
	r.mu.Unlock()

	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case now := <-ticker.C:
			r.ord.Tick(now.UnixMilli())
		}
	}
}

// Submit hands payload to the Ordering engine so it is proposed for
// its input-delay horizon, then optimistically reduces it into the
// local prediction and remembers it as pending. An action the horizon
// has already passed is dropped whole: it can never appear in a
// commit, so it must not linger in pending either, where the commit
// pipeline's positional drop would never reach it and every rebuild
// would replay it forever.
func (r *Runtime) Submit(payload json.RawMessage, nowMs int64) (tempID string, err error) {
	action, err := r.eng.DecodeAction(payload)
	if err != nil {
		return "", err
	}

	// Holding the lock across OnLocalAction keeps the commit pipeline
	// from processing the commit carrying this action before it is
	// recorded as pending.
	r.mu.Lock()
	if err := r.ord.OnLocalAction(payload, nowMs); err != nil {
		if errors.Is(err, ordering.ErrLateAction) {
			r.mu.Unlock()
			return "", err
		}
		// Broadcast is best-effort: the action is already buffered in
		// the ordering engine, and the transport owns retry.
		r.logger.Warnf("broadcast of submitted action failed: %v", err)
	}
	meta := rulekernel.Meta{From: r.self}
	r.optimistic = r.eng.Reduce(r.optimistic, action, meta)
	id := uuid.New().String()
	r.pending = append(r.pending, pendingAction{tempID: id, payload: payload})
	snapshot := StateSnapshot{Authoritative: r.authoritative, Optimistic: r.optimistic}
	r.mu.Unlock()

	r.notifyState(snapshot)
	return id, nil
}

// onCommit is the five-step reconciliation pipeline. Called only from
// commitLoop, so commits are always processed one at a time, in the
// order Ordering emitted them.
func (r *Runtime) onCommit(commit wire.Commit) error {
	r.mu.Lock()

	// Step 1: append to the durable log; a height mismatch is fatal.
	if err := r.log.Append(commit); err != nil {
		r.notifyFatalLocked(err)
		r.mu.Unlock()
		return err
	}

	// Step 2: rebuild authoritative state by folding this commit's
	// actions through the engine, in the commit's canonical order.
	for i, action := range commit.Actions {
		decoded, err := r.eng.DecodeAction(action.Payload)
		if err != nil {
			r.logger.Warnf("dropping undecodable committed action at index %d: %v", i, err)
			continue
		}
		meta := rulekernel.Meta{From: action.PeerID, OrderingTick: commit.OrderingTick, Height: &commit.Height}
		r.authoritative = r.eng.Reduce(r.authoritative, decoded, meta)
	}

	// Step 3: run any schedulers due up to this committed tick. No
	// local identity is threaded in here: a scheduler-driven tick has
	// no action author, and every peer must fold it identically.
	r.authoritative = r.eng.CatchUpSchedulers(r.authoritative, commit.OrderingTick)

	// Step 4: drop the first N pending entries authored locally in
	// this commit. This assumes local actions commit in submission
	// order, which holds because each target tick's seq is assigned in
	// submission order and per-author ordering is preserved end to end.
	localInCommit := 0
	for _, action := range commit.Actions {
		if action.PeerID == r.self {
			localInCommit++
		}
	}
	if localInCommit > len(r.pending) {
		localInCommit = len(r.pending)
	}
	r.pending = append(r.pending[:0], r.pending[localInCommit:]...)

	// Step 5: rebuild optimistic state from authoritative plus
	// whatever local actions are still pending, then notify.
	r.optimistic = r.authoritative
	for _, p := range r.pending {
		decoded, err := r.eng.DecodeAction(p.payload)
		if err != nil {
			continue
		}
		r.optimistic = r.eng.Reduce(r.optimistic, decoded, rulekernel.Meta{From: r.self})
	}

	snapshot := StateSnapshot{Authoritative: r.authoritative, Optimistic: r.optimistic}
	handlers := append([]func(StateSnapshot){}, r.stateHandlers...)
	r.mu.Unlock()

	// Notify synchronously from the commit loop: one commit, one
	// notification round, delivered in commit order.
	for _, h := range handlers {
		h(snapshot)
	}

	return nil
}

func (r *Runtime) notifyState(snapshot StateSnapshot) {
	r.mu.Lock()
	handlers := append([]func(StateSnapshot){}, r.stateHandlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(snapshot)
	}
}

func (r *Runtime) notifyFatalLocked(err error) {
	handlers := append([]func(error){}, r.fatalHandlers...)
	go func() {
		for _, h := range handlers {
			h(err)
		}
	}()
}

// Roster exposes the room's current membership view.
func (r *Runtime) Roster() *membership.Roster {
	return r.roster
}

// Observe returns the per-viewer projection of whichever state the
// caller asks for.
func (r *Runtime) Observe(authoritative bool, viewer wire.PeerID) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if authoritative {
		return r.eng.Observe(r.authoritative, viewer)
	}
	return r.eng.Observe(r.optimistic, viewer)
}
