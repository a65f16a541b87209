package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the worker's per-process ed25519 keypair. It doubles as the
// libp2p host identity and is never written to disk.
type Identity struct {
	priv   crypto.PrivKey
	pubRaw []byte
	peerID peer.ID
}

// NewIdentity generates a fresh ed25519 identity.
func NewIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, WrapError(ErrCodeIdentity, "failed to generate ed25519 key", err)
	}
	return IdentityFromKey(priv)
}

// IdentityFromKey wraps an existing key. The coordinator only accepts raw
// 32-byte ed25519 public keys, so every other key type is rejected.
func IdentityFromKey(priv crypto.PrivKey) (*Identity, error) {
	if priv == nil {
		return nil, NewWorkerError(ErrCodeIdentity, "nil private key")
	}
	if _, ok := priv.(*crypto.Ed25519PrivateKey); !ok {
		return nil, NewWorkerError(ErrCodeUnsupportedKey, "coordinator expects an ed25519 key").
			WithField("key_type", priv.Type().String())
	}
	pubRaw, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, WrapError(ErrCodeIdentity, "failed to encode public key", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return nil, NewWorkerError(ErrCodeUnsupportedKey, "unexpected public key length").
			WithField("length", len(pubRaw))
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, WrapError(ErrCodeIdentity, "failed to derive peer id", err)
	}
	return &Identity{priv: priv, pubRaw: pubRaw, peerID: pid}, nil
}

// PrivKey returns the key for libp2p host construction.
func (id *Identity) PrivKey() crypto.PrivKey {
	return id.priv
}

// PeerID returns the libp2p peer id derived from the key.
func (id *Identity) PeerID() peer.ID {
	return id.peerID
}

// PublicKeyBytes returns the raw 32-byte public key.
func (id *Identity) PublicKeyBytes() []byte {
	out := make([]byte, len(id.pubRaw))
	copy(out, id.pubRaw)
	return out
}

// PublicKeyBase64 returns the public key in the encoding the coordinator expects.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pubRaw)
}

// Sign signs an arbitrary message.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return id.priv.Sign(msg)
}

// SignResult signs the canonical {id, worker, output} payload of result.
func (id *Identity) SignResult(result ResultData) ([]byte, error) {
	msg, err := result.CanonicalPayload()
	if err != nil {
		return nil, ErrSigning(result.ID, err)
	}
	sig, err := id.Sign(msg)
	if err != nil {
		return nil, ErrSigning(result.ID, err)
	}
	return sig, nil
}

// VerifyResult checks sig against the canonical payload of result.
func VerifyResult(pubKey []byte, result ResultData, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
	}
	msg, err := result.CanonicalPayload()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig), nil
}
