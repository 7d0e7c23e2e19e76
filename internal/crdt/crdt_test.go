package crdt

import (
	"testing"

	"meshnode/internal/storage"
	"meshnode/internal/wire"
)

func TestLocalSendAssignsIncreasingGlobalCounter(t *testing.T) {
	store := storage.NewMemStore()
	log, err := New(store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m1, err := log.LocalSend("self", []byte("hello"))
	if err != nil {
		t.Fatalf("LocalSend: %v", err)
	}
	m2, err := log.LocalSend("self", []byte("world"))
	if err != nil {
		t.Fatalf("LocalSend: %v", err)
	}
	if m1.Counter != 0 || m2.Counter != 1 {
		t.Fatalf("counters not monotonic: %d, %d", m1.Counter, m2.Counter)
	}
	if m2.GlobalCounter <= m1.GlobalCounter {
		t.Fatalf("global counter not increasing: %d -> %d", m1.GlobalCounter, m2.GlobalCounter)
	}
	if m1.Timestamp == 0 {
		t.Fatal("expected LocalSend to stamp a non-zero timestamp")
	}
}

func TestReceiveRejectsDuplicate(t *testing.T) {
	store := storage.NewMemStore()
	log, _ := New(store, nil)
	m := wire.Message{ID: "m1", PeerID: "q", Counter: 0, GlobalCounter: 1}
	if err := log.Receive(m); err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	if err := log.Receive(m); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestReceiveBuffersGapThenAdmitsOnBackfill(t *testing.T) {
	var admitted []wire.Message
	store := storage.NewMemStore()
	log, _ := New(store, func(e AdmitEvent) { admitted = append(admitted, e.Message) })

	m2 := wire.Message{ID: "m2", PeerID: "q", Counter: 2, GlobalCounter: 3}
	if err := log.Receive(m2); err != ErrGap {
		t.Fatalf("expected ErrGap, got %v", err)
	}
	if log.ExpectedCounter("q") != 0 {
		t.Fatalf("expected counter should not have advanced")
	}

	m0 := wire.Message{ID: "m0", PeerID: "q", Counter: 0, GlobalCounter: 1}
	m1 := wire.Message{ID: "m1", PeerID: "q", Counter: 1, GlobalCounter: 2}
	if err := log.Receive(m1); err != ErrGap {
		t.Fatalf("expected ErrGap for m1, got %v", err)
	}
	if err := log.Receive(m0); err != nil {
		t.Fatalf("Receive(m0) should cascade-admit m1 and m2: %v", err)
	}

	if log.ExpectedCounter("q") != 3 {
		t.Fatalf("expected counter after cascade = %d, want 3", log.ExpectedCounter("q"))
	}
	if len(admitted) != 3 {
		t.Fatalf("expected 3 admit events (cascade), got %d", len(admitted))
	}
	if admitted[0].ID != "m0" || admitted[1].ID != "m1" || admitted[2].ID != "m2" {
		t.Fatalf("admit order wrong: %+v", admitted)
	}
}

func TestAllOrderedByGlobalCounterPeerCounter(t *testing.T) {
	store := storage.NewMemStore()
	log, _ := New(store, nil)
	_ = log.Receive(wire.Message{ID: "b0", PeerID: "b", Counter: 0, GlobalCounter: 2})
	_ = log.Receive(wire.Message{ID: "a0", PeerID: "a", Counter: 0, GlobalCounter: 1})

	all, err := log.AllOrdered()
	if err != nil {
		t.Fatalf("AllOrdered: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a0" || all[1].ID != "b0" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestHasMoreReflectsStoredCounter(t *testing.T) {
	store := storage.NewMemStore()
	log, _ := New(store, nil)
	_ = log.Receive(wire.Message{ID: "a0", PeerID: "a", Counter: 0, GlobalCounter: 1})
	if !log.HasMore("a", 0) {
		t.Fatal("expected HasMore(a, 0) true after admitting counter 0")
	}
	if log.HasMore("a", 1) {
		t.Fatal("expected HasMore(a, 1) false, nothing beyond counter 0")
	}
}

func TestReplayFromStoreRestoresExpectedCounters(t *testing.T) {
	store := storage.NewMemStore()
	_ = store.PutMessage(wire.Message{ID: "a0", PeerID: "a", Counter: 0, GlobalCounter: 5})
	log, err := New(store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.ExpectedCounter("a") != 1 {
		t.Fatalf("got %d want 1", log.ExpectedCounter("a"))
	}
	next, err := log.LocalSend("self", []byte("x"))
	if err != nil {
		t.Fatalf("LocalSend: %v", err)
	}
	if next.GlobalCounter <= 5 {
		t.Fatalf("global counter must exceed replayed high-water mark, got %d", next.GlobalCounter)
	}
}
