// Package membership tracks the current set of room participants. It
// is a passive roster: the Lockstep Ordering Engine owns eligibility
// and the barrier; this package only answers "who is here right now"
// for the Node Runtime and any UI subscribed to it.
package membership

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/azuma-ya/meshgame/internal/wire"
)

// Role distinguishes the local node from its peers in the roster.
type Role string

const (
	RoleSelf Role = "self"
	RolePeer Role = "peer"
)

// PeerInfo describes one participant.
type PeerInfo struct {
	ID   wire.PeerID
	Role Role
}

// Roster is the mutable participant set for one room. Safe for
// concurrent use.
type Roster struct {
	mu    sync.RWMutex
	self  PeerInfo
	peers map[wire.PeerID]PeerInfo
}

// NewRoster creates a roster containing only the local participant.
func NewRoster(self wire.PeerID) *Roster {
	return &Roster{
		self:  PeerInfo{ID: self, Role: RoleSelf},
		peers: make(map[wire.PeerID]PeerInfo),
	}
}

// Self returns the local participant.
func (r *Roster) Self() PeerInfo {
	return r.self
}

// GetPeer looks up a participant by ID; the local participant is
// found too.
func (r *Roster) GetPeer(id wire.PeerID) (PeerInfo, bool) {
	if id == r.self.ID {
		return r.self, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	return info, ok
}

// GetPeers returns every remote participant, sorted by ID.
func (r *Roster) GetPeers() []PeerInfo {
	r.mu.RLock()
	infos := lo.Values(r.peers)
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// AddPeer records a remote participant. Re-adding an existing ID
// overwrites it; adding the local ID is ignored.
func (r *Roster) AddPeer(info PeerInfo) {
	if info.ID == r.self.ID {
		return
	}
	if info.Role == "" {
		info.Role = RolePeer
	}
	r.mu.Lock()
	r.peers[info.ID] = info
	r.mu.Unlock()
}

// RemovePeer drops a remote participant; unknown IDs are a no-op.
func (r *Roster) RemovePeer(id wire.PeerID) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}
