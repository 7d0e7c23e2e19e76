package engine

import (
	"errors"
	"testing"
)

func TestNewRejectsEmptyName(t *testing.T) {
	if _, err := New("", t.TempDir(), 7000); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	if _, err := New("alice", "", 7000); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSendMessageRequiresTextOrFile(t *testing.T) {
	eng, err := New("alice", t.TempDir(), 7000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Shutdown()
	if _, err := eng.SendMessage("", "", "", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSendMessageThenGetAllMessages(t *testing.T) {
	eng, err := New("alice", t.TempDir(), 7001)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Shutdown()

	m, err := eng.SendMessage("hello", "", "", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if m.Counter != 0 {
		t.Fatalf("expected first message counter 0, got %d", m.Counter)
	}

	all, err := eng.GetAllMessages()
	if err != nil {
		t.Fatalf("GetAllMessages: %v", err)
	}
	if len(all) != 1 || all[0].ID != m.ID {
		t.Fatalf("unexpected messages: %+v", all)
	}
}

func TestSetPeerRejectsInvalidHex(t *testing.T) {
	eng, err := New("alice", t.TempDir(), 7002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Shutdown()
	if err := eng.SetPeer("bob", "127.0.0.1:9000", "not-hex!!"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSetFilePathIdempotentThenConflict(t *testing.T) {
	eng, err := New("alice", t.TempDir(), 7003)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Shutdown()

	if err := eng.SetFilePath("f1", "jpg", "/tmp/f1.jpg"); err != nil {
		t.Fatalf("SetFilePath: %v", err)
	}
	if err := eng.SetFilePath("f1", "jpg", "/tmp/f1.jpg"); err != nil {
		t.Fatalf("idempotent SetFilePath: %v", err)
	}
	if err := eng.SetFilePath("f1", "png", "/tmp/f1.png"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetRecordVerifiesWithVerifyRecord(t *testing.T) {
	eng, err := New("alice", t.TempDir(), 7004)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Shutdown()

	raw := eng.GetRecord()
	rec, err := eng.VerifyRecord(raw)
	if err != nil {
		t.Fatalf("VerifyRecord: %v", err)
	}
	if rec.Name != "alice" {
		t.Fatalf("got name %q want alice", rec.Name)
	}
}
