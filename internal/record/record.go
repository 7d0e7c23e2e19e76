// Package record implements the signed discovery record: the fixed-layout
// advertisement a peer publishes so others can verify its identity before
// dialing it (spec.md §4.1, §6).
package record

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"meshnode/internal/identity"
)

const (
	MaxNameLen     = 63
	SigningPubSize = ed25519.PublicKeySize
	KexPubSize     = 32
	SignatureSize  = ed25519.SignatureSize
)

var (
	ErrNameTooLong   = errors.New("record: name too long")
	ErrInvalidRecord = errors.New("record: invalid bytes")
	ErrBadSignature  = errors.New("record: signature verification failed")
)

// Record is the verified, decoded form of a discovery advertisement.
type Record struct {
	Name       string
	SigningPub ed25519.PublicKey
	KexPub     []byte
	Port       uint16
	Signature  []byte
}

// PeerID is the hex-encoded peer id this record advertises.
func (r Record) PeerID() string {
	return identity.DeriveID(r.SigningPub)
}

// fieldsBeforeSignature serializes name_len|name|signing_pub|kex_pub|port
// little-endian, exactly the bytes the signature covers (spec.md §6).
func fieldsBeforeSignature(name string, signingPub, kexPub []byte, port uint16) ([]byte, error) {
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	if len(signingPub) != SigningPubSize || len(kexPub) != KexPubSize {
		return nil, ErrInvalidRecord
	}
	buf := &bytes.Buffer{}
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf.Write(nameLen[:])
	buf.WriteString(name)
	buf.Write(signingPub)
	buf.Write(kexPub)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], port)
	buf.Write(portBuf[:])
	return buf.Bytes(), nil
}

// Export produces the signed advertisement bytes for id (spec.md §4.1
// "export-record").
func Export(id *identity.Identity, name string, port uint16) ([]byte, error) {
	if id == nil {
		return nil, errors.New("record: missing identity")
	}
	fields, err := fieldsBeforeSignature(name, id.SigningPub, id.KexPub, port)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(id.SigningPriv, fields)
	out := make([]byte, 0, len(fields)+SignatureSize)
	out = append(out, fields...)
	out = append(out, sig...)
	return out, nil
}

// Verify decodes raw bytes and checks the embedded signature, rejecting
// the record outright on any failure (spec.md §4.1 "verify-record").
func Verify(raw []byte) (Record, error) {
	if len(raw) < 2 {
		return Record{}, ErrInvalidRecord
	}
	nameLen := int(binary.LittleEndian.Uint16(raw[:2]))
	if nameLen > MaxNameLen {
		return Record{}, ErrNameTooLong
	}
	want := 2 + nameLen + SigningPubSize + KexPubSize + 2 + SignatureSize
	if len(raw) != want {
		return Record{}, fmt.Errorf("%w: length mismatch", ErrInvalidRecord)
	}
	off := 2
	name := string(raw[off : off+nameLen])
	off += nameLen
	signingPub := append(ed25519.PublicKey(nil), raw[off:off+SigningPubSize]...)
	off += SigningPubSize
	kexPub := append([]byte(nil), raw[off:off+KexPubSize]...)
	off += KexPubSize
	port := binary.LittleEndian.Uint16(raw[off : off+2])
	off += 2
	sig := append([]byte(nil), raw[off:off+SignatureSize]...)

	fields := raw[:off]
	if !ed25519.Verify(signingPub, fields, sig) {
		return Record{}, ErrBadSignature
	}
	return Record{
		Name:       name,
		SigningPub: signingPub,
		KexPub:     kexPub,
		Port:       port,
		Signature:  sig,
	}, nil
}
