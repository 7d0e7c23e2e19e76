package xcrypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	ss := []byte("shared-secret-material-32-bytes")
	transcript := []byte("transcript-bytes")

	k1, err := DeriveSessionKeys(ss, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	k2, err := DeriveSessionKeys(ss, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	if !bytes.Equal(k1.SendKey, k2.SendKey) || !bytes.Equal(k1.RecvKey, k2.RecvKey) {
		t.Fatalf("expected deterministic derivation")
	}
	if bytes.Equal(k1.SendKey, k1.RecvKey) {
		t.Fatalf("send and recv keys must differ")
	}
}

func TestDeriveSessionKeysRejectsEmptyInput(t *testing.T) {
	if _, err := DeriveSessionKeys(nil, []byte("x")); err == nil {
		t.Fatalf("expected error for empty shared secret")
	}
	if _, err := DeriveSessionKeys([]byte("x"), nil); err == nil {
		t.Fatalf("expected error for empty transcript")
	}
}

func TestNonceFromBaseXORsCounter(t *testing.T) {
	base := make([]byte, NonceSize)
	n0, err := NonceFromBase(base, 0)
	if err != nil {
		t.Fatalf("NonceFromBase failed: %v", err)
	}
	if !bytes.Equal(n0, base) {
		t.Fatalf("counter 0 should not change the base")
	}
	n1, err := NonceFromBase(base, 1)
	if err != nil {
		t.Fatalf("NonceFromBase failed: %v", err)
	}
	if bytes.Equal(n0, n1) {
		t.Fatalf("expected distinct nonces for distinct counters")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	nonce := bytes.Repeat([]byte{0x02}, NonceSize)
	pt := []byte("hello mesh")

	ct, err := Seal(key, nonce, pt, nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	got, err := Open(key, nonce, ct, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: got %q want %q", got, pt)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	nonce := bytes.Repeat([]byte{0x02}, NonceSize)
	ct, err := Seal(key, nonce, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	ct[0] ^= 0xFF
	if _, err := Open(key, nonce, ct, nil); err == nil {
		t.Fatalf("expected tamper detection")
	}
}
