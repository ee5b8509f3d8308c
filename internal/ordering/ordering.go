package ordering

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/azuma-ya/meshgame/internal/obslog"
	"github.com/azuma-ya/meshgame/internal/tickclock"
	"github.com/azuma-ya/meshgame/internal/wire"
	"github.com/samber/lo"
)

// settleDelay is the default pause between a peer_connected event and
// sending it a SYNC_CLOCK hint, long enough to let the new peer
// finish wiring its own handlers first.
const settleDelay = 100 * time.Millisecond

// commitGossipWindow bounds how many recent local commits are kept
// around for optional ACTION_COMMIT divergence comparison.
const commitGossipWindow = 256

type proposalEntry struct {
	actions map[int64]wire.SignedAction
}

// Option configures an Ordering instance at construction.
type Option func(*Ordering)

// WithCommitValidation enables the optional advisory comparison of
// gossiped ACTION_COMMIT messages against locally computed commits.
// Off by default: a mismatch only raises OnDivergence, it never
// overrides the local barrier's own result.
func WithCommitValidation(enabled bool) Option {
	return func(o *Ordering) { o.validateCommitGossip = enabled }
}

// WithSettleDelay overrides the peer-connect settle delay before
// sending SYNC_CLOCK, mainly useful to keep tests fast.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Ordering) { o.settleDelay = d }
}

// WithNowFunc overrides the wall-clock source used when reacting to an
// inbound SYNC_CLOCK (as opposed to the caller-driven Tick(nowMs)).
func WithNowFunc(now func() int64) Option {
	return func(o *Ordering) { o.nowMs = now }
}

// Ordering is the Lockstep Ordering Engine for one room.
type Ordering struct {
	mu sync.Mutex

	self   PeerID
	cfg    RoomConfig
	clock  *tickclock.Clock
	trans  Transport
	logger obslog.Logger

	settleDelay          time.Duration
	nowMs                func() int64
	validateCommitGossip bool

	started bool
	stopCh  chan struct{}

	currentTick   Tick
	committedTick Tick
	heightCounter uint64

	proposals      map[Tick]map[PeerID]*proposalEntry
	seals          map[Tick]map[PeerID]int64
	eligibility    map[PeerID]Tick
	localNextSeq   map[Tick]int64
	recentCommits  map[Tick]wire.Commit

	commitHandlers     []func(wire.Commit)
	peerEventHandlers  []func(PeerEvent)
	divergenceHandlers []func(Tick)
}

// New creates an Ordering engine bound to transport for room cfg.
func New(cfg RoomConfig, trans Transport, logger obslog.Logger, opts ...Option) *Ordering {
	if logger == nil {
		logger = obslog.NewDefaultLogger("ordering")
	}
	o := &Ordering{
		self:          trans.Self(),
		cfg:           cfg,
		clock:         tickclock.New(cfg.T0Ms, cfg.TickMs),
		trans:         trans,
		logger:        logger,
		settleDelay:   settleDelay,
		nowMs:         func() int64 { return time.Now().UnixMilli() },
		stopCh:        make(chan struct{}),
		currentTick:   tickclock.NotStarted,
		committedTick: tickclock.NotStarted,
		proposals:     make(map[Tick]map[PeerID]*proposalEntry),
		seals:         make(map[Tick]map[PeerID]int64),
		eligibility:   make(map[PeerID]Tick),
		localNextSeq:  make(map[Tick]int64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start wires the transport's handlers and starts it. Idempotent.
func (o *Ordering) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.eligibility[o.self] = 0
	o.mu.Unlock()

	o.trans.OnMessage(o.handleMessage)
	o.trans.OnPeerEvent(o.handlePeerEvent)
	return o.trans.Start()
}

// Stop halts the engine and the underlying transport. Idempotent.
func (o *Ordering) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	close(o.stopCh)
	o.mu.Unlock()
	return o.trans.Stop()
}

// OnCommit registers a subscriber notified, in order, for every commit
// this engine emits.
func (o *Ordering) OnCommit(cb func(wire.Commit)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commitHandlers = append(o.commitHandlers, cb)
}

// OnPeerEvent registers a subscriber notified of membership changes.
func (o *Ordering) OnPeerEvent(cb func(PeerEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerEventHandlers = append(o.peerEventHandlers, cb)
}

// OnDivergence registers a subscriber notified when a gossiped
// ACTION_COMMIT disagrees with this engine's own commit for the same
// tick. Only fires when WithCommitValidation(true) is set.
func (o *Ordering) OnDivergence(cb func(Tick)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.divergenceHandlers = append(o.divergenceHandlers, cb)
}

// GetTick returns the engine's current logical tick, -1 if not started.
func (o *Ordering) GetTick() Tick {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentTick
}

// GetCommittedTick returns the highest committed tick, -1 if none yet.
func (o *Ordering) GetCommittedTick() Tick {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committedTick
}

// GetPeers returns every peer with an eligibility entry (self plus each
// connected peer), sorted by ID, including peers whose first eligible
// tick has not arrived yet.
func (o *Ordering) GetPeers() []PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	peers := lo.Keys(o.eligibility)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// OnLocalAction buffers payload for the author's input-delay horizon
// and broadcasts ACTION_PROPOSE. Returns ErrLateAction if the horizon
// has already committed; the caller should drop it.
func (o *Ordering) OnLocalAction(payload json.RawMessage, nowMs int64) error {
	o.mu.Lock()
	nowTick := o.clock.TickAt(nowMs)
	targetTick := nowTick + o.cfg.InputDelayTicks
	if targetTick <= o.committedTick {
		o.mu.Unlock()
		o.logger.Warnf("dropping local action targeting already-committed tick %d", targetTick)
		return ErrLateAction
	}

	seq := o.localNextSeq[targetTick]
	o.localNextSeq[targetTick] = seq + 1
	action := wire.SignedAction{PeerID: o.self, Payload: payload, Seq: seq}
	o.insertProposalLocked(targetTick, action)
	o.mu.Unlock()

	return o.trans.Broadcast(wire.ActionPropose{
		RoomID:  o.cfg.RoomID,
		PeerID:  o.self,
		Tick:    targetTick,
		Seq:     seq,
		Payload: payload,
	})
}

// Tick advances the internal clock to nowMs, sealing and committing
// ticks as the barrier permits.
func (o *Ordering) Tick(nowMs int64) {
	o.mu.Lock()
	var outbox []wire.NodeMessage

	if o.currentTick == tickclock.NotStarted {
		o.currentTick = o.clock.TickAt(nowMs)
		horizon := o.currentTick - 1 + o.cfg.InputDelayTicks
		if msg, ok := o.sealTickLocked(horizon); ok {
			outbox = append(outbox, msg)
		}
		if horizon-1 > o.committedTick {
			o.committedTick = horizon - 1
		}
	} else {
		target := o.clock.TickAt(nowMs)
		for t := o.currentTick + 1; t <= target; t++ {
			o.currentTick = t
			if msg, ok := o.sealTickLocked(t - 1 + o.cfg.InputDelayTicks); ok {
				outbox = append(outbox, msg)
			}
		}
	}

	commits, gossip := o.attemptCommitLocked()
	outbox = append(outbox, gossip...)
	o.mu.Unlock()

	o.flush(outbox)
	o.notifyCommits(commits)
}

// insertProposalLocked is idempotent: re-inserting the same
// (peer, tick, seq) overwrites with the same content, so delivering a
// duplicate PROPOSE twice leaves the buffer unchanged.
func (o *Ordering) insertProposalLocked(tick Tick, action wire.SignedAction) {
	byPeer, ok := o.proposals[tick]
	if !ok {
		byPeer = make(map[PeerID]*proposalEntry)
		o.proposals[tick] = byPeer
	}
	entry, ok := byPeer[action.PeerID]
	if !ok {
		entry = &proposalEntry{actions: make(map[int64]wire.SignedAction)}
		byPeer[action.PeerID] = entry
	}
	entry.actions[action.Seq] = action
}

// sealTickLocked records self's seal for tick, returning the
// ACTION_SEAL to broadcast. Idempotent: a tick already sealed by self
// returns ok=false and emits nothing twice.
func (o *Ordering) sealTickLocked(tick Tick) (wire.ActionSeal, bool) {
	if tick < 0 {
		return wire.ActionSeal{}, false
	}
	if byPeer, already := o.seals[tick]; already {
		if _, sealed := byPeer[o.self]; sealed {
			return wire.ActionSeal{}, false
		}
	}

	lastSeq := int64(-1)
	if byPeer, ok := o.proposals[tick]; ok {
		if entry, ok := byPeer[o.self]; ok {
			for seq := range entry.actions {
				if seq > lastSeq {
					lastSeq = seq
				}
			}
		}
	}

	if o.seals[tick] == nil {
		o.seals[tick] = make(map[PeerID]int64)
	}
	o.seals[tick][o.self] = lastSeq

	return wire.ActionSeal{
		RoomID:  o.cfg.RoomID,
		PeerID:  o.self,
		Tick:    tick,
		LastSeq: lastSeq,
	}, true
}

// isCommittableLocked implements the barrier: every peer eligible at
// tick must have a recorded seal for it.
func (o *Ordering) isCommittableLocked(tick Tick) bool {
	sealsAtTick := o.seals[tick]
	for peer, first := range o.eligibility {
		if first > tick {
			continue
		}
		if sealsAtTick == nil {
			return false
		}
		if _, sealed := sealsAtTick[peer]; !sealed {
			return false
		}
	}
	return true
}

// attemptCommitLocked commits every tick in (committedTick, horizon]
// while the barrier permits, head-of-line blocking at the first
// non-committable tick.
func (o *Ordering) attemptCommitLocked() ([]wire.Commit, []wire.NodeMessage) {
	var commits []wire.Commit
	var gossip []wire.NodeMessage
	horizon := o.currentTick - 1 + o.cfg.InputDelayTicks

	for t := o.committedTick + 1; t <= horizon; t++ {
		if !o.isCommittableLocked(t) {
			break
		}
		commit := o.buildCommitLocked(t)
		o.committedTick = t
		o.gcTickLocked(t)
		commits = append(commits, commit)
		gossip = append(gossip, wire.ActionCommit{
			RoomID:  o.cfg.RoomID,
			Tick:    commit.OrderingTick,
			Height:  commit.Height,
			Actions: commit.Actions,
		})
	}
	return commits, gossip
}

// buildCommitLocked is the single source of determinism: sort
// eligible peer IDs lexicographically, concatenate each peer's
// proposals sorted ascending by seq.
func (o *Ordering) buildCommitLocked(tick Tick) wire.Commit {
	var eligiblePeers []PeerID
	for peer, first := range o.eligibility {
		if first <= tick {
			eligiblePeers = append(eligiblePeers, peer)
		}
	}
	sort.Slice(eligiblePeers, func(i, j int) bool { return eligiblePeers[i] < eligiblePeers[j] })

	var actions []wire.SignedAction
	byPeer := o.proposals[tick]
	for _, peer := range eligiblePeers {
		entry, ok := byPeer[peer]
		if !ok {
			continue
		}
		seqs := lo.Keys(entry.actions)
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			actions = append(actions, entry.actions[seq])
		}
	}

	o.heightCounter++
	commit := wire.Commit{Height: o.heightCounter, OrderingTick: tick, Actions: actions}
	o.rememberCommitLocked(commit)
	return commit
}

// gcTickLocked frees the proposal and seal buffers for a just-committed
// tick; nothing refers back to a committed tick's buffers again.
func (o *Ordering) gcTickLocked(tick Tick) {
	delete(o.proposals, tick)
	delete(o.seals, tick)
	delete(o.localNextSeq, tick)
}

func (o *Ordering) rememberCommitLocked(commit wire.Commit) {
	if !o.validateCommitGossip {
		return
	}
	if o.recentCommits == nil {
		o.recentCommits = make(map[Tick]wire.Commit)
	}
	o.recentCommits[commit.OrderingTick] = commit
	for t := range o.recentCommits {
		if t <= commit.OrderingTick-commitGossipWindow {
			delete(o.recentCommits, t)
		}
	}
}

func (o *Ordering) flush(outbox []wire.NodeMessage) {
	for _, msg := range outbox {
		if err := o.trans.Broadcast(msg); err != nil {
			o.logger.Errorf("broadcast failed for %#v: %v", msg, err)
		}
	}
}

func (o *Ordering) notifyCommits(commits []wire.Commit) {
	if len(commits) == 0 {
		return
	}
	o.mu.Lock()
	handlers := append([]func(wire.Commit){}, o.commitHandlers...)
	o.mu.Unlock()
	for _, commit := range commits {
		for _, h := range handlers {
			h(commit)
		}
	}
}

func (o *Ordering) notifyPeerEvent(ev PeerEvent) {
	o.mu.Lock()
	handlers := append([]func(PeerEvent){}, o.peerEventHandlers...)
	o.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (o *Ordering) notifyDivergence(tick Tick) {
	o.mu.Lock()
	handlers := append([]func(Tick){}, o.divergenceHandlers...)
	o.mu.Unlock()
	for _, h := range handlers {
		h(tick)
	}
}

// handleMessage dispatches an inbound NodeMessage, enforcing the room
// match and spoofing guards before delegating.
func (o *Ordering) handleMessage(from PeerID, msg wire.NodeMessage) {
	switch m := msg.(type) {
	case wire.ActionPropose:
		if m.RoomID != o.cfg.RoomID {
			return
		}
		if m.PeerID != from {
			o.logger.Warnf("spoofed sender on propose: envelope=%s transport=%s", m.PeerID, from)
			return
		}
		o.handlePropose(m)
	case wire.ActionSeal:
		if m.RoomID != o.cfg.RoomID {
			return
		}
		if m.PeerID != from {
			o.logger.Warnf("spoofed sender on seal: envelope=%s transport=%s", m.PeerID, from)
			return
		}
		o.handleSeal(m)
	case wire.ActionCommit:
		if m.RoomID != o.cfg.RoomID {
			return
		}
		o.handleCommitGossip(m)
	case wire.SyncClock:
		if m.RoomID != o.cfg.RoomID {
			return
		}
		if m.PeerID != from {
			o.logger.Warnf("spoofed sender on sync: envelope=%s transport=%s", m.PeerID, from)
			return
		}
		o.handleSyncClock(m)
	default:
		o.logger.Warnf("unexpected message type %T", msg)
	}
}

func (o *Ordering) handlePropose(m wire.ActionPropose) {
	o.mu.Lock()
	if m.Tick <= o.committedTick {
		o.mu.Unlock()
		o.logger.Debugf("dropping late propose for committed tick %d", m.Tick)
		return
	}
	o.insertProposalLocked(m.Tick, wire.SignedAction{PeerID: m.PeerID, Payload: m.Payload, Seq: m.Seq})
	o.mu.Unlock()
}

func (o *Ordering) handleSeal(m wire.ActionSeal) {
	o.mu.Lock()
	if m.Tick <= o.committedTick {
		o.mu.Unlock()
		o.logger.Debugf("dropping late seal for committed tick %d", m.Tick)
		return
	}
	if o.seals[m.Tick] == nil {
		o.seals[m.Tick] = make(map[PeerID]int64)
	}
	o.seals[m.Tick][m.PeerID] = m.LastSeq
	commits, gossip := o.attemptCommitLocked()
	o.mu.Unlock()

	o.flush(gossip)
	o.notifyCommits(commits)
}

func (o *Ordering) handleCommitGossip(m wire.ActionCommit) {
	if !o.validateCommitGossip {
		return
	}
	o.mu.Lock()
	local, ok := o.recentCommits[m.Tick]
	o.mu.Unlock()
	if !ok {
		return
	}
	gossiped := wire.Commit{Height: m.Height, OrderingTick: m.Tick, Actions: m.Actions}
	if !reflect.DeepEqual(local, gossiped) {
		o.notifyDivergence(m.Tick)
	}
}

// handleSyncClock implements the clock-warp: a monotone-forward jump
// of (t0Ms, currentTick) triggered by a peer reporting a higher tick.
func (o *Ordering) handleSyncClock(m wire.SyncClock) {
	o.mu.Lock()
	if m.Tick <= o.currentTick {
		o.mu.Unlock()
		return
	}

	remoteTick := m.Tick
	now := o.nowMs()
	o.clock.Warp(now, int64(remoteTick))
	o.currentTick = remoteTick

	// Seal everything up to the warped horizon. Ticks at or below
	// committedTick are already closed and gc'd; re-sealing them would
	// only resurrect dead buffer entries.
	var outbox []wire.NodeMessage
	horizon := remoteTick - 1 + o.cfg.InputDelayTicks
	for t := o.committedTick + 1; t <= horizon; t++ {
		if msg, ok := o.sealTickLocked(t); ok {
			outbox = append(outbox, msg)
		}
	}

	lifted := o.currentTick + o.cfg.InputDelayTicks
	for peer, first := range o.eligibility {
		if first < lifted {
			o.eligibility[peer] = lifted
		}
	}

	commits, gossip := o.attemptCommitLocked()
	outbox = append(outbox, gossip...)
	o.mu.Unlock()

	o.flush(outbox)
	o.notifyCommits(commits)
}

func (o *Ordering) handlePeerEvent(ev PeerEvent) {
	switch ev.Kind {
	case PeerConnected:
		o.onPeerConnected(ev.PeerID)
	case PeerDisconnected:
		o.onPeerDisconnected(ev.PeerID)
	}
	o.notifyPeerEvent(ev)
}

func (o *Ordering) onPeerConnected(id PeerID) {
	o.mu.Lock()
	var first Tick
	if o.currentTick == tickclock.NotStarted {
		first = o.cfg.InputDelayTicks
	} else {
		first = o.currentTick + o.cfg.InputDelayTicks
	}
	o.eligibility[id] = first
	localTick := o.currentTick
	delay := o.settleDelay
	o.mu.Unlock()

	go o.sendSyncClockAfterSettle(id, localTick, delay)
}

func (o *Ordering) sendSyncClockAfterSettle(id PeerID, tick Tick, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-o.stopCh:
		return
	}
	if err := o.trans.Send(id, wire.SyncClock{RoomID: o.cfg.RoomID, PeerID: o.self, Tick: tick}); err != nil {
		o.logger.Errorf("failed sending clock sync to %s: %v", id, err)
	}
}

func (o *Ordering) onPeerDisconnected(id PeerID) {
	o.mu.Lock()
	delete(o.eligibility, id)
	commits, gossip := o.attemptCommitLocked()
	o.mu.Unlock()

	o.flush(gossip)
	o.notifyCommits(commits)
}
