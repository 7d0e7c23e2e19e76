package transport

import (
	"net"
	"testing"

	"meshnode/internal/identity"
	"meshnode/internal/record"
)

func mustRecord(t *testing.T, id *identity.Identity, name string) []byte {
	t.Helper()
	raw, err := record.Export(id, name, 6364)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return raw
}

func TestHandshakeEstablishesSymmetricSession(t *testing.T) {
	idA, _ := identity.Generate()
	idB, _ := identity.Generate()
	recA := mustRecord(t, idA, "alice")
	recB := mustRecord(t, idB, "bob")
	connA, connB := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	doneA := make(chan result, 1)
	doneB := make(chan result, 1)

	go func() {
		c, err := Handshake(connA, idA, recA, true)
		doneA <- result{c, err}
	}()
	go func() {
		c, err := Handshake(connB, idB, recB, false)
		doneB <- result{c, err}
	}()

	ra := <-doneA
	rb := <-doneB
	if ra.err != nil {
		t.Fatalf("initiator handshake failed: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("responder handshake failed: %v", rb.err)
	}
	if ra.conn.PeerID != idB.ID {
		t.Fatalf("initiator sees wrong peer id")
	}
	if rb.conn.PeerID != idA.ID {
		t.Fatalf("responder sees wrong peer id")
	}

	msg := []byte("hello over the wire")
	writeDone := make(chan error, 1)
	go func() { writeDone <- ra.conn.WriteFrame(msg) }()
	got, err := rb.conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func TestHandshakeRejectsForgedRecord(t *testing.T) {
	idA, _ := identity.Generate()
	idB, _ := identity.Generate()
	idForged, _ := identity.Generate()
	recA := mustRecord(t, idA, "alice")
	connA, connB := net.Pipe()

	// B sends a record whose signed bytes were tampered with after
	// export, simulating a forged advertisement (spec.md §8 P7 /
	// scenario 6): the embedded signature no longer matches.
	forged := mustRecord(t, idB, "bob")
	forged[2] ^= 0xFF // flip a byte inside the name field

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() {
		_, err := Handshake(connA, idA, recA, true)
		doneA <- err
	}()
	go func() {
		_, err := Handshake(connB, idForged, forged, false)
		doneB <- err
	}()

	errA := <-doneA
	errB := <-doneB
	if errA == nil && errB == nil {
		t.Fatalf("expected at least one side to reject the forged record")
	}
}
