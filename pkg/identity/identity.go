// Package identity provides Ed25519 agent identities, signing and a registry
// of public identities used to verify signatures by agent id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrNoPrivateKey     = errors.New("identity: no private key")
	ErrInvalidKey       = errors.New("identity: invalid key")
	ErrUnknownAgent     = errors.New("identity: unknown agent")
	ErrIdentityExists   = errors.New("identity: agent already registered with a different key")
)

// deriveSalt separates identity derivation from any other HKDF use of the same seed.
var deriveSalt = []byte("accord:identity:v1")

// Identity is an agent's keypair plus metadata. It is immutable once created:
// key rotation means minting a new Identity and re-delegating trust to it.
type Identity struct {
	id         string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	metadata   map[string]string
	createdAt  time.Time
}

// Generate creates a fresh identity from crypto/rand.
func Generate(id string, metadata map[string]string) (*Identity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidKey)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return newIdentity(id, pub, priv, metadata), nil
}

// Derive deterministically derives an identity from seed using HKDF-SHA256,
// with the agent id as the info string. The same seed and id always yield
// the same keypair, which makes whole agent societies reproducible.
func Derive(seed []byte, id string, metadata map[string]string) (*Identity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidKey)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("%w: seed must be at least 16 bytes", ErrInvalidKey)
	}
	r := hkdf.New(sha256.New, seed, deriveSalt, []byte(id))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return newIdentity(id, priv.Public().(ed25519.PublicKey), priv, metadata), nil
}

// FromPrivateKey wraps an existing private key.
func FromPrivateKey(id string, priv ed25519.PrivateKey, metadata map[string]string) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidKey, len(priv))
	}
	return newIdentity(id, priv.Public().(ed25519.PublicKey), priv, metadata), nil
}

// FromPublicKey builds a verify-only identity.
func FromPublicKey(id string, pub ed25519.PublicKey, metadata map[string]string) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(pub))
	}
	return newIdentity(id, pub, nil, metadata), nil
}

func newIdentity(id string, pub ed25519.PublicKey, priv ed25519.PrivateKey, metadata map[string]string) *Identity {
	ident := &Identity{
		id:        id,
		publicKey: append(ed25519.PublicKey(nil), pub...),
		metadata:  maps.Clone(metadata),
		createdAt: time.Now().UTC(),
	}
	if priv != nil {
		ident.privateKey = append(ed25519.PrivateKey(nil), priv...)
	}
	if ident.metadata == nil {
		ident.metadata = map[string]string{}
	}
	return ident
}

func (i *Identity) ID() string { return i.id }

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), i.publicKey...)
}

func (i *Identity) PublicKeyHex() string { return hex.EncodeToString(i.publicKey) }

// Metadata returns a copy of the identity metadata.
func (i *Identity) Metadata() map[string]string { return maps.Clone(i.metadata) }

func (i *Identity) CreatedAt() time.Time { return i.createdAt }

func (i *Identity) HasPrivateKey() bool { return len(i.privateKey) == ed25519.PrivateKeySize }

// PrivateKey exposes the signing key for callers that must hand it to
// another signer (JWT issuance). Returns nil for verify-only identities.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	if !i.HasPrivateKey() {
		return nil
	}
	return append(ed25519.PrivateKey(nil), i.privateKey...)
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	if !i.HasPrivateKey() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, i.id)
	}
	return ed25519.Sign(i.privateKey, msg), nil
}

// SignHex signs msg and returns the hex-encoded signature.
func (i *Identity) SignHex(msg []byte) (string, error) {
	sig, err := i.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks sig over msg against this identity's public key.
func (i *Identity) Verify(msg, sig []byte) bool {
	return Verify(i.publicKey, msg, sig)
}

// Public returns a verify-only copy with the private key stripped.
func (i *Identity) Public() *Identity {
	return &Identity{
		id:        i.id,
		publicKey: i.PublicKey(),
		metadata:  maps.Clone(i.metadata),
		createdAt: i.createdAt,
	}
}

// ToPublic returns the exportable record. Private material never leaves
// through this path.
func (i *Identity) ToPublic() PublicRecord {
	return PublicRecord{
		ID:        i.id,
		PublicKey: i.PublicKeyHex(),
		Metadata:  maps.Clone(i.metadata),
	}
}

// Verify verifies an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyHex verifies a hex-encoded signature against a hex-encoded public key.
func VerifyHex(pubKeyHex, sigHex string, msg []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(pub))
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// AgentIDFromPublicKey returns a stable agent id derived from a public key.
func AgentIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "agent:" + hex.EncodeToString(sum[:8])
}
