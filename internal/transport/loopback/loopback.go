// Package loopback is an in-process Transport for tests and
// single-machine multi-node simulation. Every node sharing a Hub is
// reachable from every other node with no actual I/O.
package loopback

import (
	"sync"

	"github.com/prometheus/common/log"

	"github.com/azuma-ya/meshgame/internal/ordering"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// Hub is the shared in-memory switchboard a set of Transports
// register with. Delivery is synchronous and best-effort, exactly
// what the ordering.Transport contract promises its callers.
type Hub struct {
	mu    sync.RWMutex
	peers map[wire.PeerID]*Transport
}

// NewHub creates an empty switchboard.
func NewHub() *Hub {
	return &Hub{peers: make(map[wire.PeerID]*Transport)}
}

// Transport implements ordering.Transport by forwarding straight to
// sibling Transports registered on the same Hub.
type Transport struct {
	hub    *Hub
	self   wire.PeerID
	mu     sync.Mutex
	onMsg  func(from wire.PeerID, msg wire.NodeMessage)
	onPeer func(ev ordering.PeerEvent)
}

// New registers a Transport for id on hub. Start must still be called
// before it announces itself to siblings.
func New(hub *Hub, id wire.PeerID) *Transport {
	t := &Transport{hub: hub, self: id}
	hub.mu.Lock()
	hub.peers[id] = t
	hub.mu.Unlock()
	return t
}

func (t *Transport) Self() wire.PeerID { return t.self }

// Start announces this peer's arrival to every sibling already on the
// hub, and every sibling's arrival to this peer, mirroring the
// connect events a real Membership component would deliver.
func (t *Transport) Start() error {
	t.hub.mu.RLock()
	var siblings []*Transport
	for id, p := range t.hub.peers {
		if id == t.self {
			continue
		}
		siblings = append(siblings, p)
	}
	t.hub.mu.RUnlock()

	for _, sibling := range siblings {
		sibling.notifyPeerEvent(ordering.PeerEvent{Kind: ordering.PeerConnected, PeerID: t.self})
		t.notifyPeerEvent(ordering.PeerEvent{Kind: ordering.PeerConnected, PeerID: sibling.self})
	}
	log.Infof("loopback transport %s started with %d known peers", t.self, len(siblings))
	return nil
}

// Stop removes this peer from the hub and announces its departure.
func (t *Transport) Stop() error {
	t.hub.mu.Lock()
	delete(t.hub.peers, t.self)
	var siblings []*Transport
	for _, p := range t.hub.peers {
		siblings = append(siblings, p)
	}
	t.hub.mu.Unlock()

	for _, sibling := range siblings {
		sibling.notifyPeerEvent(ordering.PeerEvent{Kind: ordering.PeerDisconnected, PeerID: t.self})
	}
	return nil
}

func (t *Transport) Broadcast(msg wire.NodeMessage) error {
	t.hub.mu.RLock()
	var targets []*Transport
	for id, p := range t.hub.peers {
		if id == t.self {
			continue
		}
		targets = append(targets, p)
	}
	t.hub.mu.RUnlock()

	for _, target := range targets {
		target.deliver(t.self, msg)
	}
	return nil
}

func (t *Transport) Send(to wire.PeerID, msg wire.NodeMessage) error {
	t.hub.mu.RLock()
	target := t.hub.peers[to]
	t.hub.mu.RUnlock()
	if target == nil {
		log.Warnf("loopback transport %s: no such peer %s", t.self, to)
		return nil
	}
	target.deliver(t.self, msg)
	return nil
}

func (t *Transport) OnMessage(handler func(from wire.PeerID, msg wire.NodeMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = handler
}

func (t *Transport) OnPeerEvent(handler func(ev ordering.PeerEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeer = handler
}

func (t *Transport) deliver(from wire.PeerID, msg wire.NodeMessage) {
	t.mu.Lock()
	handler := t.onMsg
	t.mu.Unlock()
	if handler != nil {
		handler(from, msg)
	}
}

func (t *Transport) notifyPeerEvent(ev ordering.PeerEvent) {
	t.mu.Lock()
	handler := t.onPeer
	t.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}
