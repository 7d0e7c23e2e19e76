package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncCompareSent()
	m.IncCompareSent()
	m.IncCompareDropped()
	m.IncBatchRequests()
	m.IncMessagesAdmitted()
	m.IncMessagesGapped()
	m.IncFilesRequested()
	m.IncFilesResolved()
	m.AddChunkRecv(128)
	m.IncHandshakeSucceeded("peer1")
	m.IncHandshakeFailed("peer2", "connection lost")
	m.IncHandshakeRejected("peer3", "forged record")

	snap := m.Snapshot()
	if snap.Sync.CompareSent != 2 {
		t.Fatalf("expected compare_sent=2, got %d", snap.Sync.CompareSent)
	}
	if snap.Sync.CompareDropped != 1 || snap.Sync.BatchRequests != 1 {
		t.Fatalf("unexpected sync counts: %+v", snap.Sync)
	}
	if snap.Transfer.FilesRequested != 1 || snap.Transfer.FilesResolved != 1 {
		t.Fatalf("unexpected transfer counts: %+v", snap.Transfer)
	}
	if snap.Transfer.ChunksRecv != 1 || snap.Transfer.BytesRecv != 128 {
		t.Fatalf("unexpected chunk counters: %+v", snap.Transfer)
	}
	if snap.Handshake.Succeeded != 1 || snap.Handshake.Failed != 1 || snap.Handshake.Rejected != 1 {
		t.Fatalf("unexpected handshake counts: %+v", snap.Handshake)
	}
	if len(snap.Recent) != 3 {
		t.Fatalf("expected 3 recent events, got %d", len(snap.Recent))
	}
}

func TestRecentRingOverwritesOldest(t *testing.T) {
	r := NewRecentRing(2)
	r.Add(RecentEvent{PeerID: "a"})
	r.Add(RecentEvent{PeerID: "b"})
	r.Add(RecentEvent{PeerID: "c"})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected capacity-bound list of 2, got %d", len(list))
	}
	if list[0].PeerID != "b" || list[1].PeerID != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", list)
	}
}
