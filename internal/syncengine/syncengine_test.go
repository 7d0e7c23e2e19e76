package syncengine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"meshnode/internal/connmgr"
	"meshnode/internal/crdt"
	"meshnode/internal/identity"
	"meshnode/internal/mux"
	"meshnode/internal/record"
	"meshnode/internal/storage"
	"meshnode/internal/transport"
	"meshnode/internal/wire"
)

func mustConnPair(t *testing.T) (*connmgr.Conn, *connmgr.Conn) {
	t.Helper()
	idA, _ := identity.Generate()
	idB, _ := identity.Generate()
	recA, err := record.Export(idA, "alice", 7100)
	if err != nil {
		t.Fatalf("export A: %v", err)
	}
	recB, err := record.Export(idB, "bob", 7101)
	if err != nil {
		t.Fatalf("export B: %v", err)
	}
	pipeA, pipeB := net.Pipe()

	type res struct {
		c   *transport.Conn
		err error
	}
	doneA := make(chan res, 1)
	doneB := make(chan res, 1)
	go func() {
		c, err := transport.Handshake(pipeA, idA, recA, true)
		doneA <- res{c, err}
	}()
	go func() {
		c, err := transport.Handshake(pipeB, idB, recB, false)
		doneB <- res{c, err}
	}()
	ra := <-doneA
	rb := <-doneB
	if ra.err != nil || rb.err != nil {
		t.Fatalf("handshake failed: %v / %v", ra.err, rb.err)
	}

	sessA := mux.NewSession(ra.c, true)
	sessB := mux.NewSession(rb.c, false)
	connA := &connmgr.Conn{PeerID: rb.c.PeerID, Session: sessA, Record: ra.c.PeerRecord, Initiator: true}
	connB := &connmgr.Conn{PeerID: ra.c.PeerID, Session: sessB, Record: rb.c.PeerRecord, Initiator: false}
	return connA, connB
}

func newTestEngine(t *testing.T, selfID string) (*Engine, storage.Store, *crdt.Log) {
	t.Helper()
	store := storage.NewMemStore()
	log, err := crdt.New(store, nil)
	if err != nil {
		t.Fatalf("crdt.New: %v", err)
	}
	bounds := DefaultBounds()
	bounds.TickInterval = 50 * time.Millisecond
	bounds.RequestTimeout = 2 * time.Second
	eng := New(SelfDescriptor{PeerID: selfID, Name: selfID}, log, store, nil, nil, t.TempDir(), bounds, nil)
	return eng, store, log
}

func TestCompareBatchConvergesTwoPeers(t *testing.T) {
	connAtoB, connBtoA := mustConnPair(t)

	engA, _, logA := newTestEngine(t, connBtoA.PeerID)
	engB, storeB, logB := newTestEngine(t, connAtoB.PeerID)
	// B must know A as a peer to list it in its CompareRequest, as
	// engine.onConnect arranges in a full node.
	if err := storeB.PutPeer(storage.PeerDescriptor{PeerID: connBtoA.PeerID}); err != nil {
		t.Fatalf("PutPeer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engA.Attach(ctx, connAtoB)
	engB.Attach(ctx, connBtoA)

	if _, err := logA.LocalSend(connBtoA.PeerID, []byte("hello")); err != nil {
		t.Fatalf("LocalSend: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		engB.runCompare(ctx, connBtoA)
		msgs, err := logB.AllOrdered()
		if err != nil {
			t.Fatalf("AllOrdered: %v", err)
		}
		if len(msgs) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("B never received A's message via compare/batch sync")
}

func TestHandleCompareRequestReportsMoreWhenAhead(t *testing.T) {
	store := storage.NewMemStore()
	log, _ := crdt.New(store, nil)
	_, _ = log.LocalSend("p1", []byte("x"))
	eng := New(SelfDescriptor{PeerID: "p1"}, log, store, nil, nil, t.TempDir(), DefaultBounds(), nil)

	// Counter is the requester's next expected counter: 1 means it
	// already holds p1's message 0, 0 means it holds nothing.
	req := &wire.CompareRequest{Have: []wire.PeerCounter{{PeerID: "p1", Counter: 1}}}
	var more []string
	for _, pc := range req.Have {
		if eng.log.HasMore(pc.PeerID, pc.Counter) {
			more = append(more, pc.PeerID)
		}
	}
	if len(more) != 0 {
		t.Fatalf("expected no peers more-ahead at counter 1, got %v", more)
	}

	req2 := &wire.CompareRequest{Have: []wire.PeerCounter{{PeerID: "p1", Counter: 0}}}
	more = nil
	for _, pc := range req2.Have {
		if eng.log.HasMore(pc.PeerID, pc.Counter) {
			more = append(more, pc.PeerID)
		}
	}
	if len(more) != 1 {
		t.Fatalf("expected p1 reported as having more, got %v", more)
	}
}

func TestReadEnvelopeWithDeadlineTimesOutOnSilentPeer(t *testing.T) {
	connAtoB, _ := mustConnPair(t)
	eng, _, _ := newTestEngine(t, connAtoB.PeerID)
	eng.bounds.RequestTimeout = 100 * time.Millisecond

	st, err := connAtoB.Session.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	_, err = eng.readEnvelopeWithDeadline(ctx, st)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}
