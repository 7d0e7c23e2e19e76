// Package storage defines the persistence port the engine runs
// against (spec.md §6): an opaque key-value store for messages and
// peer descriptors, plus a blob directory for files. The engine never
// assumes a concrete backend; MemStore is the in-memory reference
// adapter used by tests and standalone runs.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"meshnode/internal/wire"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrCorrupt       = errors.New("storage: corrupt state")
	ErrPathConflict  = errors.New("storage: file path conflict")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// PeerDescriptor is the persisted view of a known peer (spec.md §3,
// peer table entry): name and signing key, learned either from
// discovery or from a BatchMessageResponse's embedded descriptor.
type PeerDescriptor struct {
	PeerID     string
	Name       string
	SigningPub string // hex-encoded
	FirstSeen  int64  // unix seconds, informational only
	Online     bool
}

// FileRecord is the persisted file metadata entry (spec.md §3).
type FileRecord struct {
	FileID    string
	Ext       string
	LocalPath string
}

// Store is the persistence port. Implementations must make PutMessage
// atomic with respect to the (peer_id, counter) key: a duplicate
// insert must not corrupt a concurrent RangeMessages scan.
type Store interface {
	PutMessage(m wire.Message) error
	GetMessage(peerID string, counter int32) (wire.Message, bool, error)
	RangeMessages(peerID string, fromCounter int32) ([]wire.Message, error)
	AllMessages() ([]wire.Message, error)
	CounterFor(peerID string) (int32, bool, error)

	PutPeer(p PeerDescriptor) error
	GetPeer(peerID string) (PeerDescriptor, bool, error)
	ListPeers() ([]PeerDescriptor, error)
	MarkOffline(peerID string) error

	PutFilePath(fileID, ext, path string) error
	GetFilePath(fileID string) (FileRecord, bool, error)
}

// MemStore is an in-memory Store guarded by a single RWMutex. The
// example pack carries no embedded-KV dependency (no bbolt/badger
// usage anywhere in it), so this ported reference adapter stands in
// for the "any ordered embedded KV store" port spec.md §9 calls out —
// a production build would swap it for a real on-disk engine without
// the engine package noticing.
type MemStore struct {
	mu       sync.RWMutex
	messages map[string]map[int32]wire.Message // peer_id -> counter -> message
	peers    map[string]PeerDescriptor
	files    map[string]FileRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		messages: make(map[string]map[int32]wire.Message),
		peers:    make(map[string]PeerDescriptor),
		files:    make(map[string]FileRecord),
	}
}

func (s *MemStore) PutMessage(m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.messages[m.PeerID]
	if !ok {
		log = make(map[int32]wire.Message)
		s.messages[m.PeerID] = log
	}
	if _, exists := log[m.Counter]; exists {
		return fmt.Errorf("%w: peer=%s counter=%d", ErrAlreadyExists, m.PeerID, m.Counter)
	}
	log[m.Counter] = m
	return nil
}

func (s *MemStore) GetMessage(peerID string, counter int32) (wire.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.messages[peerID]
	if !ok {
		return wire.Message{}, false, nil
	}
	m, ok := log[counter]
	return m, ok, nil
}

func (s *MemStore) RangeMessages(peerID string, fromCounter int32) ([]wire.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.messages[peerID]
	if !ok {
		return nil, nil
	}
	out := make([]wire.Message, 0, len(log))
	for c, m := range log {
		if c >= fromCounter {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })
	return out, nil
}

func (s *MemStore) AllMessages() ([]wire.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []wire.Message
	for _, log := range s.messages {
		for _, m := range log {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.GlobalCounter != b.GlobalCounter {
			return a.GlobalCounter < b.GlobalCounter
		}
		if a.PeerID != b.PeerID {
			return a.PeerID < b.PeerID
		}
		return a.Counter < b.Counter
	})
	return out, nil
}

func (s *MemStore) CounterFor(peerID string) (int32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.messages[peerID]
	if !ok || len(log) == 0 {
		return 0, false, nil
	}
	var max int32 = -1
	for c := range log {
		if c > max {
			max = c
		}
	}
	return max + 1, true, nil
}

func (s *MemStore) PutPeer(p PeerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.PeerID] = p
	return nil
}

func (s *MemStore) GetPeer(peerID string) (PeerDescriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	return p, ok, nil
}

func (s *MemStore) ListPeers() ([]PeerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerDescriptor, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (s *MemStore) MarkOffline(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: peer %s", ErrNotFound, peerID)
	}
	p.Online = false
	s.peers[peerID] = p
	return nil
}

func (s *MemStore) PutFilePath(fileID, ext, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.files[fileID]
	if ok {
		if existing.Ext == ext && existing.LocalPath == path {
			return nil // idempotent, spec.md P6
		}
		return fmt.Errorf("%w: file %s", ErrPathConflict, fileID)
	}
	s.files[fileID] = FileRecord{FileID: fileID, Ext: ext, LocalPath: path}
	return nil
}

func (s *MemStore) GetFilePath(fileID string) (FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[fileID]
	return rec, ok, nil
}
