// Package identity owns a peer's long-term signing and key-exchange
// keypairs: creation on first launch, persistence under a root directory,
// and the peer id derived from the signing public key.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

const (
	signingPrivFile = "signing.key"
	kexPrivFile     = "kex.key"
)

// Identity is the long-term keypair pair a peer is known by. The peer id
// is the hex of the Ed25519 public key (spec.md §3, "Peer identity").
type Identity struct {
	ID          string
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey
	KexPub      []byte
	kexPriv     *ecdh.PrivateKey
}

func DeriveID(signingPub ed25519.PublicKey) string {
	return hex.EncodeToString(signingPub)
}

// KexShared computes the X25519 shared secret against a peer's kex
// public key. The secure transport handshake does not call it: it uses
// a per-handshake ephemeral key (xcrypto.Ephemeral) instead.
func (id *Identity) KexShared(peerKexPub []byte) ([]byte, error) {
	if id == nil || id.kexPriv == nil {
		return nil, errors.New("identity: missing kex private key")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerKexPub)
	if err != nil {
		return nil, err
	}
	return id.kexPriv.ECDH(pub)
}

// Generate creates a fresh signing + key-exchange keypair pair.
func Generate() (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kexPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:          DeriveID(signPub),
		SigningPub:  signPub,
		SigningPriv: signPriv,
		KexPub:      kexPriv.PublicKey().Bytes(),
		kexPriv:     kexPriv,
	}, nil
}

// LoadOrCreate reuses the identity persisted under root, creating and
// persisting a new one on first launch (spec.md §3, "Identity is created
// at first launch and persisted; all later sessions reuse it").
func LoadOrCreate(root string) (*Identity, error) {
	if root == "" {
		return Generate()
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	signPath := filepath.Join(root, signingPrivFile)
	kexPath := filepath.Join(root, kexPrivFile)

	signRaw, signErr := os.ReadFile(signPath)
	kexRaw, kexErr := os.ReadFile(kexPath)
	if signErr == nil && kexErr == nil && len(signRaw) == ed25519.PrivateKeySize {
		signPriv := ed25519.PrivateKey(signRaw)
		kexPriv, err := ecdh.X25519().NewPrivateKey(kexRaw)
		if err != nil {
			return nil, err
		}
		signPub := signPriv.Public().(ed25519.PublicKey)
		return &Identity{
			ID:          DeriveID(signPub),
			SigningPub:  signPub,
			SigningPriv: signPriv,
			KexPub:      kexPriv.PublicKey().Bytes(),
			kexPriv:     kexPriv,
		}, nil
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(signPath, id.SigningPriv, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(kexPath, id.kexPriv.Bytes(), 0600); err != nil {
		return nil, err
	}
	return id, nil
}
