// Package crdt implements the conflict-free append-only message log
// (spec.md §4.5): per-peer monotonic counters, a global logical clock
// for total ordering, and the prefix-admission rule that keeps each
// peer's stored range gap-free.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshnode/internal/storage"
	"meshnode/internal/wire"
)

var (
	// ErrDuplicate is returned (not an error to the caller, just a
	// signal) when an incoming message's counter has already been seen.
	ErrDuplicate = errors.New("crdt: duplicate message, already admitted")
	// ErrGap means the message arrived ahead of the expected counter
	// and must be buffered until earlier messages admit (spec.md I4).
	ErrGap = errors.New("crdt: out-of-order message buffered pending backfill")
)

// AdmitEvent is emitted for every message that enters the local store,
// whether by local send or remote admission (spec.md §4.8 events,
// ordering guarantee O4).
type AdmitEvent struct {
	Message wire.Message
	Local   bool
}

// Log is the CRDT state: one engine's view of every peer's sub-log. It
// serializes admission per source peer_id (O3) while allowing
// different peers' admissions to interleave freely.
type Log struct {
	store storage.Store

	mu            sync.Mutex
	expected      map[string]int32            // peer_id -> next counter expected
	globalCounter int64                        // local high-water mark, I2
	pending       map[string]map[int32]wire.Message // buffered out-of-order arrivals, keyed like messages

	onAdmit func(AdmitEvent)
}

// New builds a Log over an existing Store, replaying its current state
// so expected counters and the global high-water mark reflect prior
// runs (the store is the durable source of truth; Log itself is not
// persisted).
func New(store storage.Store, onAdmit func(AdmitEvent)) (*Log, error) {
	l := &Log{
		store:    store,
		expected: make(map[string]int32),
		pending:  make(map[string]map[int32]wire.Message),
		onAdmit:  onAdmit,
	}
	all, err := store.AllMessages()
	if err != nil {
		return nil, fmt.Errorf("crdt: replay failed: %w", err)
	}
	for _, m := range all {
		if m.Counter+1 > l.expected[m.PeerID] {
			l.expected[m.PeerID] = m.Counter + 1
		}
		if m.GlobalCounter > l.globalCounter {
			l.globalCounter = m.GlobalCounter
		}
	}
	return l, nil
}

// ExpectedCounter returns the next counter this log expects from
// peerID (what a CompareRequest/BatchMessageRequest should carry).
func (l *Log) ExpectedCounter(peerID string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expected[peerID]
}

// LocalSend admits a message authored by selfID, computing its
// global_counter as one greater than the highest observed so far
// (spec.md §4.5 "Local send").
func (l *Log) LocalSend(selfID string, payload []byte) (wire.Message, error) {
	l.mu.Lock()
	counter := l.expected[selfID]
	global := l.globalCounter + 1
	m := wire.Message{
		ID:            uuid.NewString(),
		PeerID:        selfID,
		Counter:       counter,
		GlobalCounter: global,
		Timestamp:     time.Now().Unix(),
		Payload:       payload,
	}
	l.mu.Unlock()

	if err := l.admit(m, true); err != nil {
		return wire.Message{}, err
	}
	return m, nil
}

// Receive processes a message observed from a remote peer, enforcing
// the prefix invariant (I1, I4): duplicates are dropped, gaps are
// buffered, and admitting a message may cascade into admitting
// previously-buffered successors.
func (l *Log) Receive(m wire.Message) error {
	l.mu.Lock()
	want := l.expected[m.PeerID]
	switch {
	case m.Counter < want:
		l.mu.Unlock()
		return ErrDuplicate
	case m.Counter > want:
		bucket, ok := l.pending[m.PeerID]
		if !ok {
			bucket = make(map[int32]wire.Message)
			l.pending[m.PeerID] = bucket
		}
		bucket[m.Counter] = m
		l.mu.Unlock()
		return ErrGap
	}
	l.mu.Unlock()

	if err := l.admit(m, false); err != nil {
		return err
	}
	return l.drainPending(m.PeerID)
}

// drainPending admits any buffered messages that are now contiguous
// with the expected counter, cascading as far as it can go.
func (l *Log) drainPending(peerID string) error {
	for {
		l.mu.Lock()
		want := l.expected[peerID]
		bucket := l.pending[peerID]
		next, ok := bucket[want]
		if ok {
			delete(bucket, want)
		}
		l.mu.Unlock()
		if !ok {
			return nil
		}
		if err := l.admit(next, false); err != nil {
			return err
		}
	}
}

func (l *Log) admit(m wire.Message, local bool) error {
	if err := l.store.PutMessage(m); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("crdt: admit failed: %w", err)
	}

	l.mu.Lock()
	if m.Counter+1 > l.expected[m.PeerID] {
		l.expected[m.PeerID] = m.Counter + 1
	}
	if m.GlobalCounter > l.globalCounter {
		l.globalCounter = m.GlobalCounter
	}
	cb := l.onAdmit
	l.mu.Unlock()

	if cb != nil {
		cb(AdmitEvent{Message: m, Local: local})
	}
	return nil
}

// AllOrdered returns every admitted message ordered by
// (global_counter, peer_id, counter), spec.md §4.5's total order.
func (l *Log) AllOrdered() ([]wire.Message, error) {
	all, err := l.store.AllMessages()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.GlobalCounter != b.GlobalCounter {
			return a.GlobalCounter < b.GlobalCounter
		}
		if a.PeerID != b.PeerID {
			return a.PeerID < b.PeerID
		}
		return a.Counter < b.Counter
	})
	return all, nil
}

// CompareSummary builds the "(peer_id, my_counter)" tuples a
// CompareRequest sends, drawn from knownPeers plus selfID (spec.md
// §4.6 step 1). Peers the log holds messages for but that are not in
// knownPeers are not listed.
func (l *Log) CompareSummary(selfID string, knownPeers []string) []wire.PeerCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := map[string]bool{selfID: true}
	out := []wire.PeerCounter{{PeerID: selfID, Counter: l.expected[selfID]}}
	for _, p := range knownPeers {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, wire.PeerCounter{PeerID: p, Counter: l.expected[p]})
	}
	return out
}

// HasMore reports whether this log's stored counter for peerID
// exceeds theirCounter (spec.md §4.6 "Server side of Compare").
func (l *Log) HasMore(peerID string, theirCounter int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expected[peerID] > theirCounter
}

// Batch returns messages[fromCounter..] for peerID, the server side of
// a BatchMessageRequest.
func (l *Log) Batch(peerID string, fromCounter int32) ([]wire.Message, error) {
	return l.store.RangeMessages(peerID, fromCounter)
}
