package storage

import (
	"testing"

	"meshnode/internal/wire"
)

func TestPutMessageRejectsDuplicateCounter(t *testing.T) {
	s := NewMemStore()
	m := wire.Message{ID: "m1", PeerID: "p1", Counter: 0, GlobalCounter: 1}
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("first PutMessage failed: %v", err)
	}
	if err := s.PutMessage(m); err == nil {
		t.Fatal("expected error on duplicate (peer_id, counter)")
	}
}

func TestAllMessagesOrderedByGlobalCounterThenPeerThenCounter(t *testing.T) {
	s := NewMemStore()
	msgs := []wire.Message{
		{ID: "a2", PeerID: "a", Counter: 1, GlobalCounter: 3},
		{ID: "b1", PeerID: "b", Counter: 0, GlobalCounter: 2},
		{ID: "a1", PeerID: "a", Counter: 0, GlobalCounter: 1},
	}
	for _, m := range msgs {
		if err := s.PutMessage(m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	all, err := s.AllMessages()
	if err != nil {
		t.Fatalf("AllMessages: %v", err)
	}
	want := []string{"a1", "b1", "a2"}
	if len(all) != len(want) {
		t.Fatalf("got %d messages want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, all[i].ID, id)
		}
	}
}

func TestCounterForTracksNextExpected(t *testing.T) {
	s := NewMemStore()
	if _, ok, _ := s.CounterFor("p1"); ok {
		t.Fatal("expected no counter for unknown peer")
	}
	_ = s.PutMessage(wire.Message{ID: "m0", PeerID: "p1", Counter: 0})
	_ = s.PutMessage(wire.Message{ID: "m1", PeerID: "p1", Counter: 1})
	next, ok, err := s.CounterFor("p1")
	if err != nil || !ok {
		t.Fatalf("CounterFor failed: ok=%v err=%v", ok, err)
	}
	if next != 2 {
		t.Fatalf("got %d want 2", next)
	}
}

func TestPutFilePathIdempotentThenConflict(t *testing.T) {
	s := NewMemStore()
	if err := s.PutFilePath("f1", "jpg", "/root/f1.jpg"); err != nil {
		t.Fatalf("first PutFilePath: %v", err)
	}
	if err := s.PutFilePath("f1", "jpg", "/root/f1.jpg"); err != nil {
		t.Fatalf("idempotent PutFilePath: %v", err)
	}
	if err := s.PutFilePath("f1", "png", "/root/f1.png"); err == nil {
		t.Fatal("expected conflict on differing path")
	}
}

func TestMarkOfflineUnknownPeer(t *testing.T) {
	s := NewMemStore()
	if err := s.MarkOffline("ghost"); err == nil {
		t.Fatal("expected error marking unknown peer offline")
	}
}
