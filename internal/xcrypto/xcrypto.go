// Package xcrypto collects the primitives the secure transport handshake
// and frame cipher are built from: X25519 ephemeral exchange, HKDF-SHA256
// key derivation and AES-256-GCM framing.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

const (
	KeySize   = 32
	NonceSize = 12
)

var (
	ErrBadKeySize   = errors.New("xcrypto: bad key size")
	ErrBadNonceSize = errors.New("xcrypto: bad nonce size")
	ErrEmptyMaterial = errors.New("xcrypto: empty key material")
)

// Ephemeral is a one-shot X25519 keypair destroyed after the handshake
// that produced it completes.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pub))
	copy(pubCopy, pub)
	return &Ephemeral{priv: priv, pub: pubCopy}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("xcrypto: ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Shared computes the X25519 shared secret against peerPub.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("xcrypto: ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, ErrEmptyMaterial
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// Destroy zeroes the private key material. Safe to call more than once.
func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.priv = nil
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.destroyed = true
}

// SessionKeys is the directional key/nonce-base schedule derived from one
// handshake transcript. Initiator send maps to responder recv and vice
// versa — the initiator installs the schedule as-is and the responder
// swaps Send/Recv.
type SessionKeys struct {
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys runs HKDF-SHA256 over the shared secret with the
// handshake transcript as salt and "mesh:kdf:v1" as info, reads one
// 88-byte output and splits it into send key, recv key, send nonce base
// and recv nonce base.
func DeriveSessionKeys(sharedSecret, transcript []byte) (SessionKeys, error) {
	if len(sharedSecret) == 0 || len(transcript) == 0 {
		return SessionKeys{}, ErrEmptyMaterial
	}
	reader := hkdf.New(newSHA256, sharedSecret, transcript, []byte("mesh:kdf:v1"))
	buf := make([]byte, KeySize*2+NonceSize*2)
	if _, err := reader.Read(buf); err != nil {
		return SessionKeys{}, fmt.Errorf("xcrypto: hkdf expand: %w", err)
	}
	return SessionKeys{
		SendKey:       buf[0:32],
		RecvKey:       buf[32:64],
		NonceBaseSend: buf[64:76],
		NonceBaseRecv: buf[76:88],
	}, nil
}

// NonceFromBase XORs the big-endian encoding of counter into the low 8
// bytes of base, matching spec's "nonce = base XOR counter" framing rule.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, ErrBadNonceSize
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}

// Seal encrypts plaintext under key/nonce with AES-256-GCM.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrBadNonceSize
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext under key/nonce.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrBadNonceSize
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
