// Package engine is the host-facing surface (spec.md §4.8): the one
// entry point a mobile app or CLI binds against. It owns identity,
// storage, the CRDT log, the connection manager and the sync engine,
// and exposes a small typed-error API instead of the internals.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"meshnode/internal/connmgr"
	"meshnode/internal/crdt"
	"meshnode/internal/discovery"
	"meshnode/internal/filestore"
	"meshnode/internal/identity"
	"meshnode/internal/meshlog"
	"meshnode/internal/metrics"
	"meshnode/internal/record"
	"meshnode/internal/storage"
	"meshnode/internal/syncengine"
	"meshnode/internal/wire"
)

// Sentinel errors, spec.md §6/§7.
var (
	ErrInvalidArgument = errors.New("engine: invalid argument")
	ErrNotFound        = errors.New("engine: not found")
	ErrHandshakeFailed = errors.New("engine: handshake failed")
	ErrTimeout         = errors.New("engine: timeout")
	ErrPeerUnreachable = errors.New("engine: peer unreachable")
	ErrStorageCorrupt  = errors.New("engine: storage corrupt")
	ErrProtocolViolation = errors.New("engine: protocol violation")
	ErrInternal        = errors.New("engine: internal error")
	ErrConflict        = errors.New("engine: conflicting value")
)

// EventKind distinguishes the two event shapes the delegate receives
// (spec.md §4.8 set_delegate).
type EventKind int

const (
	MessageAdmitted EventKind = iota
	PeerChanged
)

type Event struct {
	Kind    EventKind
	Message wire.Message
	Peer    storage.PeerDescriptor
}

const eventQueueCapacity = 256

// Engine is the top-level object returned by New.
type Engine struct {
	id       *identity.Identity
	name     string
	port     uint16
	root     string
	record   []byte

	store     storage.Store
	log       *crdt.Log
	wanted    *filestore.Wanted
	metrics   *metrics.Metrics
	connMgr   *connmgr.Manager
	syncEng   *syncengine.Engine
	resolver  discovery.Resolver

	mu       sync.Mutex
	delegate func(Event)
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine rooted at root_path, generating or loading
// a persistent identity there (spec.md §4.8 "new").
func New(name, rootPath string, port uint16) (*Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must be non-empty", ErrInvalidArgument)
	}
	if rootPath == "" {
		return nil, fmt.Errorf("%w: root_path must be non-empty", ErrInvalidArgument)
	}

	id, err := identity.LoadOrCreate(rootPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	rec, err := record.Export(id, name, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	store := storage.NewMemStore()
	m := metrics.New()
	wanted := filestore.NewWanted()
	events := make(chan Event, eventQueueCapacity)

	e := &Engine{
		id:      id,
		name:    name,
		port:    port,
		root:    rootPath,
		record:  rec,
		store:   store,
		wanted:  wanted,
		metrics: m,
		events:  events,
	}

	log, err := crdt.New(store, func(ev crdt.AdmitEvent) {
		e.publish(Event{Kind: MessageAdmitted, Message: ev.Message})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	e.log = log

	self := syncengine.SelfDescriptor{PeerID: id.ID, Name: name, SigningPub: hex.EncodeToString(id.SigningPub)}
	bounds := syncengine.DefaultBounds()
	e.syncEng = syncengine.New(self, log, store, wanted, m, rootPath, bounds, func(fileID, ext, path string) {
		e.publish(Event{Kind: MessageAdmitted, Message: wire.Message{ID: fileID}})
	})

	e.connMgr = connmgr.New(id, rec, m, e.onConnect, e.onDisconnect)
	e.resolver = discovery.NewStaticResolver()

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel = ctx, cancel
	return e, nil
}

// consumeDiscovery turns verified discovery events into connmgr dial
// targets, so a host-side mDNS (or any other) resolver wired in via
// SetResolver needs nothing more than to push Events (spec.md §6.1).
func (e *Engine) consumeDiscovery(ctx context.Context) {
	for {
		select {
		case ev, ok := <-e.resolver.Events():
			if !ok {
				return
			}
			if ev.Kind == discovery.Removed {
				e.connMgr.Remove(ev.PeerID)
				continue
			}
			rec, err := record.Verify(ev.RecordBytes)
			if err != nil {
				meshlog.Warnf("engine: discovery record for %s failed verification: %v", ev.PeerID, err)
				e.metrics.IncHandshakeRejected(ev.PeerID, err.Error())
				continue
			}
			_ = e.store.PutPeer(storage.PeerDescriptor{
				PeerID:     rec.PeerID(),
				Name:       rec.Name,
				SigningPub: hex.EncodeToString(rec.SigningPub),
			})
			e.connMgr.SetPeerAddr(ctx, rec.PeerID(), ev.Addr)
		case <-ctx.Done():
			return
		}
	}
}

// SetResolver swaps in a host-provided discovery source (e.g. an mDNS
// adapter living outside this module). Must be called before RunServer.
func (e *Engine) SetResolver(r discovery.Resolver) {
	e.resolver = r
}

func (e *Engine) onConnect(c *connmgr.Conn) {
	_ = e.store.PutPeer(storage.PeerDescriptor{
		PeerID:     c.PeerID,
		SigningPub: hex.EncodeToString(c.Record.SigningPub),
		Online:     true,
	})
	e.syncEng.Attach(e.ctx, c)
	e.publish(Event{Kind: PeerChanged, Peer: storage.PeerDescriptor{PeerID: c.PeerID, Online: true}})
}

func (e *Engine) onDisconnect(peerID string) {
	e.syncEng.Detach(peerID)
	_ = e.store.MarkOffline(peerID)
	e.publish(Event{Kind: PeerChanged, Peer: storage.PeerDescriptor{PeerID: peerID, Online: false}})
}

// publish enqueues an event for the delegate, dropping the oldest
// queued event and logging a rate-limited warning on overflow rather
// than blocking the caller (SPEC_FULL.md §9 design notes, mirroring
// the teacher's bounded-channel-drop idiom).
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		select {
		case <-e.events:
		default:
		}
		select {
		case e.events <- ev:
		default:
		}
		meshlog.RateLimitedf("engine:event-overflow", 10*time.Second, "engine: event queue full, dropping oldest")
	}
}

// SetDelegate registers cb to be invoked for every Event. Only one
// delegate is active at a time; calling SetDelegate again replaces it
// and starts a fresh dispatch goroutine.
func (e *Engine) SetDelegate(cb func(Event)) {
	e.mu.Lock()
	e.delegate = cb
	e.mu.Unlock()
	if cb == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev := <-e.events:
				e.mu.Lock()
				d := e.delegate
				e.mu.Unlock()
				if d != nil {
					d(ev)
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// SetPeer injects a known peer from out-of-band discovery (spec.md
// §4.8). pubKey is the hex-encoded Ed25519 signing public key.
func (e *Engine) SetPeer(name, addr, pubKeyHex string) error {
	if name == "" || addr == "" || pubKeyHex == "" {
		return fmt.Errorf("%w: name, addr and pubKey are required", ErrInvalidArgument)
	}
	if _, err := hex.DecodeString(pubKeyHex); err != nil {
		return fmt.Errorf("%w: pubKey is not valid hex: %v", ErrInvalidArgument, err)
	}
	peerID := pubKeyHex
	if err := e.store.PutPeer(storage.PeerDescriptor{PeerID: peerID, Name: name, SigningPub: pubKeyHex}); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.connMgr.SetPeerAddr(e.ctx, peerID, addr)
	return nil
}

// SendMessage builds and admits a local message; at least one of text
// or fileID must be non-empty (spec.md §4.8 send_message).
func (e *Engine) SendMessage(text, fileID string, replyID string, mentions []string) (wire.Message, error) {
	if text == "" && fileID == "" {
		return wire.Message{}, fmt.Errorf("%w: text or fileID required", ErrInvalidArgument)
	}
	payload, err := wire.EncodePayload(wire.Payload{Text: text, FileID: fileID, ReplyID: replyID, Mentions: mentions})
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	m, err := e.log.LocalSend(e.id.ID, payload)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return m, nil
}

// ResolveFile schedules retrieval of fileID, optionally from a
// specific peerID (spec.md §4.8 resolve_file).
func (e *Engine) ResolveFile(fileID, peerID string) error {
	if fileID == "" {
		return fmt.Errorf("%w: fileID required", ErrInvalidArgument)
	}
	if err := e.syncEng.ResolveFile(e.ctx, fileID, peerID); err != nil {
		if errors.Is(err, syncengine.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// GetFilePath returns the locally registered path for fileID.
func (e *Engine) GetFilePath(fileID string) (string, error) {
	rec, ok, err := e.store.GetFilePath(fileID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	return rec.LocalPath, nil
}

// SetFilePath registers a locally available file (spec.md §4.8
// set_file_path). Idempotent for identical (ext, path); conflicts on
// differing values (spec.md P6).
func (e *Engine) SetFilePath(fileID, ext, path string) error {
	if fileID == "" || ext == "" || path == "" {
		return fmt.Errorf("%w: fileID, ext and path are required", ErrInvalidArgument)
	}
	if err := e.store.PutFilePath(fileID, ext, path); err != nil {
		if errors.Is(err, storage.ErrPathConflict) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.wanted.Resolve(fileID)
	return nil
}

// GetAllMessages returns every admitted message ordered by
// (global_counter, peer_id, counter) (spec.md §4.8).
func (e *Engine) GetAllMessages() ([]wire.Message, error) {
	all, err := e.log.AllOrdered()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return all, nil
}

// GetPeers returns every known peer descriptor.
func (e *Engine) GetPeers() ([]storage.PeerDescriptor, error) {
	peers, err := e.store.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return peers, nil
}

// GetRecord returns this node's signed discovery record bytes.
func (e *Engine) GetRecord() []byte { return e.record }

// VerifyRecord verifies a remote peer's signed record bytes.
func (e *Engine) VerifyRecord(raw []byte) (record.Record, error) {
	rec, err := record.Verify(raw)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return rec, nil
}

// RunServer runs the accept loop, blocking the caller (spec.md §4.8
// run_server).
func (e *Engine) RunServer() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(e.port))))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer ln.Close()
	meshlog.Infof("engine: listening on %s", ln.Addr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeDiscovery(e.ctx)
	}()

	return e.connMgr.AcceptLoop(e.ctx, ln)
}

// RunLoop runs the periodic sync ticker, blocking the caller (spec.md
// §4.8 run_loop).
func (e *Engine) RunLoop() {
	e.syncEng.Run(e.ctx)
}

// Shutdown stops accepting, cancels the ticker, gracefully closes all
// connections, and returns once the discovery consumer and delegate
// dispatch goroutines have exited (spec.md §5 shutdown sequence). It
// does not wait for dial, per-connection or sync-exchange goroutines.
func (e *Engine) Shutdown() {
	e.cancel()
	e.connMgr.Shutdown()
	e.wg.Wait()
}
