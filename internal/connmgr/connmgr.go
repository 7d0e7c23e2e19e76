// Package connmgr maintains one connection per known peer (spec.md
// §4.7): it dials outbound on discovery, accepts inbound, runs the
// transport+mux handshake on each socket, and retries failed dials
// with bounded exponential backoff. A connection that drops after it
// is established is not removed from the map and is not redialed; it
// leaves the map only through Remove or Shutdown. Grounded on the teacher's
// daemon/connman.go (ticker-driven dial loop, per-peer backoff map)
// generalized from its PEX/bootstrap-peer model to spec.md's simpler
// one-peer-one-connection contract.
package connmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"meshnode/internal/identity"
	"meshnode/internal/meshlog"
	"meshnode/internal/metrics"
	"meshnode/internal/mux"
	"meshnode/internal/record"
	"meshnode/internal/transport"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

var ErrUnknownPeer = errors.New("connmgr: unknown peer address")

// Conn is one established, multiplexed connection to a peer.
type Conn struct {
	PeerID    string
	Session   *mux.Session
	Record    record.Record
	Initiator bool // true if the local side dialed
}

// Manager owns the peer_id -> Connection map and the reconnect
// backoff state (spec.md §4.7).
type Manager struct {
	id           *identity.Identity
	localRecord  []byte
	metrics      *metrics.Metrics
	onConnect    func(*Conn)
	onDisconnect func(peerID string)

	mu       sync.Mutex
	conns    map[string]*Conn
	addrs    map[string]string // peer_id -> dial address
	backoff  map[string]time.Duration
	dialing  map[string]bool
	shutdown bool
}

// New builds a Manager. onConnect/onDisconnect are invoked for every
// connection lifecycle transition (the sync engine attaches via
// onConnect).
func New(id *identity.Identity, localRecord []byte, m *metrics.Metrics, onConnect func(*Conn), onDisconnect func(peerID string)) *Manager {
	return &Manager{
		id:           id,
		localRecord:  localRecord,
		metrics:      m,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*Conn),
		addrs:        make(map[string]string),
		backoff:      make(map[string]time.Duration),
		dialing:      make(map[string]bool),
	}
}

// SetPeerAddr records or updates a peer's dial address (spec.md §4.7
// "On a new discovery record for a known peer, it updates the
// address"). If no connection currently exists, it triggers a dial.
func (m *Manager) SetPeerAddr(ctx context.Context, peerID, addr string) {
	m.mu.Lock()
	m.addrs[peerID] = addr
	_, connected := m.conns[peerID]
	already := m.dialing[peerID]
	m.mu.Unlock()

	if !connected && !already {
		go m.dialWithBackoff(ctx, peerID)
	}
}

func (m *Manager) Get(peerID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	return c, ok
}

func (m *Manager) All() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) dialWithBackoff(ctx context.Context, peerID string) {
	m.mu.Lock()
	if m.dialing[peerID] || m.shutdown {
		m.mu.Unlock()
		return
	}
	m.dialing[peerID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dialing[peerID] = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return
		}
		if _, connected := m.conns[peerID]; connected {
			m.mu.Unlock()
			return
		}
		addr, ok := m.addrs[peerID]
		m.mu.Unlock()
		if !ok {
			return
		}

		conn, err := m.dial(ctx, addr)
		if err == nil {
			m.resetBackoff(peerID)
			m.adopt(conn, true)
			return
		}
		meshlog.Warnf("connmgr: dial %s (%s) failed: %v", peerID, addr, err)

		wait := m.nextBackoff(peerID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) nextBackoff(peerID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.backoff[peerID]
	if !ok || cur == 0 {
		cur = backoffBase
	} else {
		cur *= 2
		if cur > backoffCap {
			cur = backoffCap
		}
	}
	m.backoff[peerID] = cur
	return cur
}

func (m *Manager) resetBackoff(peerID string) {
	m.mu.Lock()
	delete(m.backoff, peerID)
	m.mu.Unlock()
}

func (m *Manager) dial(ctx context.Context, addr string) (*transport.Conn, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc, err := transport.Handshake(raw, m.id, m.localRecord, true)
	if err != nil {
		raw.Close()
		if m.metrics != nil {
			m.metrics.IncHandshakeFailed("", err.Error())
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.IncHandshakeSucceeded(tc.PeerID)
	}
	return tc, nil
}

// AcceptLoop runs the listener side of spec.md §4.7: accept, run the
// responder handshake, adopt or tie-break the resulting connection.
func (m *Manager) AcceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go m.acceptOne(raw)
	}
}

func (m *Manager) acceptOne(raw net.Conn) {
	tc, err := transport.Handshake(raw, m.id, m.localRecord, false)
	if err != nil {
		raw.Close()
		meshlog.Warnf("connmgr: inbound handshake failed: %v", err)
		if m.metrics != nil {
			if errors.Is(err, transport.ErrHandshakeFailed) {
				m.metrics.IncHandshakeRejected("", err.Error())
			} else {
				m.metrics.IncHandshakeFailed("", err.Error())
			}
		}
		return
	}
	if m.metrics != nil {
		m.metrics.IncHandshakeSucceeded(tc.PeerID)
	}
	m.adopt(tc, false)
}

// adopt registers a freshly-handshaken connection. If a connection to
// the same peer already exists (both sides dialed each other at once),
// it tie-breaks per spec.md §4.7: keep the connection whose initiator
// has the lexicographically greater peer_id, close the other.
func (m *Manager) adopt(tc *transport.Conn, initiator bool) {
	sess := mux.NewSession(tc, initiator)
	c := &Conn{PeerID: tc.PeerID, Session: sess, Record: tc.PeerRecord, Initiator: initiator}

	m.mu.Lock()
	existing, ok := m.conns[tc.PeerID]
	if ok {
		newInitiatorID := m.initiatorID(c)
		oldInitiatorID := m.initiatorID(existing)
		if oldInitiatorID >= newInitiatorID {
			m.mu.Unlock()
			sess.Close()
			return
		}
		delete(m.conns, tc.PeerID)
		m.mu.Unlock()
		existing.Session.Close()
		m.mu.Lock()
	}
	m.conns[tc.PeerID] = c
	m.mu.Unlock()

	if m.onConnect != nil {
		m.onConnect(c)
	}
}

// initiatorID returns the peer_id of whichever side dialed for c.
func (m *Manager) initiatorID(c *Conn) string {
	if c.Initiator {
		return m.id.ID
	}
	return c.PeerID
}

func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if ok {
		c.Session.Close()
	}
	if m.onDisconnect != nil {
		m.onDisconnect(peerID)
	}
}

// Shutdown gracefully closes every connection (spec.md §5 shutdown
// sequence step iii).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.Session.Close()
	}
}
