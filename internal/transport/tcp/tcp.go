// Package tcp is a length-prefixed TCP Transport reusing the Wire
// Codec framing: bufio-buffered connections, one per peer, and an
// advertised local address kept separate from the bind address so a
// node behind NAT or binding a wildcard can still name itself.
//
// The Wire Codec's [topicLen][topic][payload] frame has no total
// length of its own (it assumes a message-oriented carrier); over a
// TCP byte stream this package adds one more 4-byte big-endian length
// prefix ahead of each encoded frame so readLoop knows where one
// message ends and the next begins.
package tcp

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/azuma-ya/meshgame/internal/ordering"
	"github.com/azuma-ya/meshgame/internal/wire"
)

// ErrorNotAdvertiseAddress is returned by NewTCPTransport when bind
// resolves to a wildcard/unspecified address and no explicit advertise
// address was given to disambiguate it for peers.
var ErrorNotAdvertiseAddress = errors.New("tcp: cannot advertise a wildcard bind address")

const maxFrameLen = 16 << 20

// handshake identifies a peer on first connect, since raw TCP carries
// no identity of its own.
type handshake struct {
	PeerID wire.PeerID `json:"peerId"`
}

type conn struct {
	id     wire.PeerID
	raw    net.Conn
	reader *bufio.Reader
	w      *bufio.Writer
	wmu    sync.Mutex
}

func writeFrame(c *conn, topic string, payload []byte) error {
	frame, err := wire.EncodeFrame(topic, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

func readFrame(c *conn) (topic string, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return "", nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", wire.ErrMalformedFrame, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return "", nil, err
	}
	return wire.DecodeFrame(buf)
}

// TCPTransport implements ordering.Transport over plain TCP
// connections, one per peer, framed with the Wire Codec.
type TCPTransport struct {
	self      wire.PeerID
	localAddr string
	listener  net.Listener
	timeout   time.Duration
	maxPool   int
	logger    *logrus.Logger

	mu    sync.Mutex
	conns map[wire.PeerID]*conn

	onMsg  func(from wire.PeerID, msg wire.NodeMessage)
	onPeer func(ev ordering.PeerEvent)

	stopCh chan struct{}
}

// NewTCPTransport listens on bind and reports advertise (or bind's own
// resolved address, if not wildcard) as this node's local address.
func NewTCPTransport(bind string, advertise *net.TCPAddr, maxPool int, timeout time.Duration, logOutput io.Writer) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}

	var local string
	if advertise != nil {
		local = advertise.String()
	} else {
		tcpAddr, ok := listener.Addr().(*net.TCPAddr)
		if !ok || tcpAddr.IP.IsUnspecified() {
			listener.Close()
			return nil, ErrorNotAdvertiseAddress
		}
		local = tcpAddr.String()
	}

	logger := logrus.New()
	if logOutput != nil {
		logger.SetOutput(logOutput)
	}

	if maxPool <= 0 {
		maxPool = 1
	}

	t := &TCPTransport{
		localAddr: local,
		listener:  listener,
		timeout:   timeout,
		maxPool:   maxPool,
		logger:    logger,
		conns:     make(map[wire.PeerID]*conn),
		stopCh:    make(chan struct{}),
	}
	return t, nil
}

// LocalAddress returns the address this transport advertises to peers.
func (t *TCPTransport) LocalAddress() string { return t.localAddr }

func (t *TCPTransport) Self() wire.PeerID { return t.self }

// SetSelf assigns this node's identity, sent as part of the handshake
// on every outbound Dial. Must be called before Start/Dial.
func (t *TCPTransport) SetSelf(id wire.PeerID) { t.self = id }

// Start begins accepting inbound connections.
func (t *TCPTransport) Start() error {
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every outbound connection.
func (t *TCPTransport) Stop() error {
	close(t.stopCh)
	err := t.listener.Close()
	t.mu.Lock()
	for _, c := range t.conns {
		c.raw.Close()
	}
	t.conns = make(map[wire.PeerID]*conn)
	t.mu.Unlock()
	return err
}

// Dial opens an outbound connection to a peer at addr and performs the
// identifying handshake; inbound connections perform the same
// handshake from the other side in acceptOne.
func (t *TCPTransport) Dial(id wire.PeerID, addr string) error {
	raw, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return err
	}
	c := &conn{id: id, raw: raw, reader: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
	if err := t.handshakeOut(c); err != nil {
		raw.Close()
		return err
	}
	t.registerConn(c)
	go t.readLoop(c)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		raw, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warnf("tcp transport accept error: %v", err)
				return
			}
		}
		go t.acceptOne(raw)
	}
}

func (t *TCPTransport) acceptOne(raw net.Conn) {
	c := &conn{raw: raw, reader: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
	id, err := t.handshakeIn(c)
	if err != nil {
		t.logger.Warnf("tcp transport handshake failed: %v", err)
		raw.Close()
		return
	}
	c.id = id
	t.registerConn(c)
	go t.readLoop(c)
}

func (t *TCPTransport) handshakeOut(c *conn) error {
	data, err := json.Marshal(handshake{PeerID: t.self})
	if err != nil {
		return err
	}
	return writeFrame(c, "handshake", data)
}

func (t *TCPTransport) handshakeIn(c *conn) (wire.PeerID, error) {
	_, payload, err := readFrame(c)
	if err != nil {
		return "", err
	}
	var hs handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return "", err
	}
	return hs.PeerID, nil
}

func (t *TCPTransport) registerConn(c *conn) {
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	t.notifyPeerEvent(ordering.PeerEvent{Kind: ordering.PeerConnected, PeerID: c.id})
}

func (t *TCPTransport) readLoop(c *conn) {
	for {
		_, payload, err := readFrame(c)
		if err != nil {
			if err != io.EOF {
				t.logger.Warnf("tcp transport read error from %s: %v", c.id, err)
			}
			t.mu.Lock()
			delete(t.conns, c.id)
			t.mu.Unlock()
			t.notifyPeerEvent(ordering.PeerEvent{Kind: ordering.PeerDisconnected, PeerID: c.id})
			return
		}
		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			t.logger.Warnf("tcp transport malformed envelope from %s: %v", c.id, err)
			continue
		}
		t.mu.Lock()
		handler := t.onMsg
		t.mu.Unlock()
		if handler != nil {
			handler(c.id, env.Msg)
		}
	}
}

func (t *TCPTransport) Broadcast(msg wire.NodeMessage) error {
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := t.writeMessage(c, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TCPTransport) Send(to wire.PeerID, msg wire.NodeMessage) error {
	t.mu.Lock()
	c, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp: no open connection to %s", to)
	}
	return t.writeMessage(c, msg)
}

func (t *TCPTransport) writeMessage(c *conn, msg wire.NodeMessage) error {
	payload, err := wire.NewEnvelope(time.Now().UnixMilli(), msg).EncodeJSON()
	if err != nil {
		return err
	}
	return writeFrame(c, wire.Topic, payload)
}

func (t *TCPTransport) OnMessage(handler func(from wire.PeerID, msg wire.NodeMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = handler
}

func (t *TCPTransport) OnPeerEvent(handler func(ev ordering.PeerEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeer = handler
}

func (t *TCPTransport) notifyPeerEvent(ev ordering.PeerEvent) {
	t.mu.Lock()
	handler := t.onPeer
	t.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}
