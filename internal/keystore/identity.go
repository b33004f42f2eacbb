package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"
)

// Identity wraps the node's long-lived Ed25519 keypair, from which the
// overlay PeerID is derived.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   PeerID
}

// GenerateIdentity creates a fresh random Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate identity: %w", err)
	}
	return newIdentity(priv, pub), nil
}

// IdentityFromBytes reconstructs an Identity from a serialized 64-byte
// Ed25519 private key (seed || public key), as produced by Serialize.
func IdentityFromBytes(b []byte) (*Identity, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keystore: identity key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	priv := ed25519.PrivateKey(append([]byte(nil), b...))
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keystore: malformed private key")
	}
	return newIdentity(priv, pub), nil
}

func newIdentity(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   derivePeerID(pub),
	}
}

// derivePeerID computes the PeerID for a public key: blake3(pubkey).
func derivePeerID(pub ed25519.PublicKey) PeerID {
	return PeerID(blake3.Sum256(pub))
}

// Public returns a copy of the raw Ed25519 public key.
func (id *Identity) Public() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.pub...)
}

// PeerID returns the overlay id derived from the public key.
func (id *Identity) PeerID() PeerID {
	return id.id
}

// Serialize returns the 64-byte Ed25519 private key, suitable for writing
// to the identity key file.
func (id *Identity) Serialize() []byte {
	return append([]byte(nil), id.priv...)
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Zero overwrites the private key material in place. The Identity must not
// be used afterward.
func (id *Identity) Zero() {
	for i := range id.priv {
		id.priv[i] = 0
	}
}

// PeerIDFromPublicKey computes the PeerID a raw Ed25519 public key derives
// to, without any signature check. Used by the inbound router to derive
// remote_id from the public key exchanged in the transport handshake.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerID{}, fmt.Errorf("keystore: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return derivePeerID(pub), nil
}

// VerifyIdentity checks an Ed25519 signature against a raw public key and
// returns the PeerID that key derives. Returns false on any malformed input
// or signature mismatch.
func VerifyIdentity(pub, msg, sig []byte) (PeerID, bool) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerID{}, false
	}
	if !ed25519.Verify(pub, msg, sig) {
		return PeerID{}, false
	}
	return derivePeerID(pub), true
}
