package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		NewCompareRequest(CompareRequest{Have: []PeerCounter{{PeerID: "a", Counter: 3}}}),
		NewCompareResponse(CompareResponse{PeerIDs: []string{"a", "b"}}),
		NewBatchMessageRequest(BatchMessageRequest{PeerID: "a", MyCounter: 1}),
		NewBatchMessageResponse(BatchMessageResponse{Messages: []Message{{ID: "m1", PeerID: "a", Counter: 0}}}),
		NewFileWantRequest(FileWantRequest{FileIDs: []string{"f1"}}),
		NewFileWantResponse(FileWantResponse{FileIDs: []string{"f1"}}),
		NewFileDownloadRequest(FileDownloadRequest{FileID: "f1", PeerID: "a"}),
		NewFileDownloadResponse(FileDownloadResponse{Chunk: []byte("data"), Ext: "jpg"}),
		NewMessages(Messages{PeerID: "a"}),
		NewMessageAccept(MessageAccept{Counter: 5}),
	}

	for _, env := range cases {
		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, env); err != nil {
			t.Fatalf("WriteEnvelope(%s) failed: %v", env.Type, err)
		}
		got, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("ReadEnvelope(%s) failed: %v", env.Type, err)
		}
		if got.Type != env.Type {
			t.Fatalf("type mismatch: got %s want %s", got.Type, env.Type)
		}
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	// Corrupt the length prefix directly to simulate a hostile peer
	// claiming a too-large frame without allocating MaxFrameSize+1 bytes.
	raw := buf.Bytes()
	raw[0] = 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected protocol violation for oversized frame")
	}
}

func TestReadFrameRejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected error on truncated frame")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{Text: "hi", FileID: "f1", ReplyID: "m0", Mentions: []string{"bob"}}
	raw, err := EncodePayload(p)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	got, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got.Text != p.Text || got.FileID != p.FileID || got.ReplyID != p.ReplyID {
		t.Fatalf("payload mismatch: got %+v want %+v", got, p)
	}
}
