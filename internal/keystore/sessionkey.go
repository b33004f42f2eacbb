package keystore

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sessionInfo is the HKDF info string binding derived keys to this protocol.
const sessionInfo = "meshnet-session-v1"

// seqPrefixSize is the length of the plaintext sequence-number prefix on
// every encrypted frame.
const seqPrefixSize = 8

// SessionKey is the per-peer symmetric keying material negotiated via
// ephemeral X25519 DH, authenticated by both peers' long-lived Ed25519
// identities. A SessionKey produced by GenerateSessionKey is half-open: it
// carries outbound DH material but cannot encrypt or decrypt anything until
// Complete supplies the peer's response.
type SessionKey struct {
	localID PeerID
	ephPriv [32]byte
	ephPub  [32]byte

	complete bool
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendSeq  uint64
	recvSeq  uint64
}

// GenerateSessionKey creates a half-open SessionKey for identity id: a
// fresh ephemeral X25519 keypair with no symmetric state yet.
func (id *Identity) GenerateSessionKey() (*SessionKey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("keystore: generate session key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive ephemeral public: %w", err)
	}
	sk := &SessionKey{localID: id.id}
	copy(sk.ephPriv[:], priv[:])
	copy(sk.ephPub[:], pub)
	return sk, nil
}

// DHBytes returns the ephemeral X25519 public key to send to the peer as
// part of the RemotePublic frame.
func (sk *SessionKey) DHBytes() []byte {
	return append([]byte(nil), sk.ephPub[:]...)
}

// IsComplete reports whether the key has finished DH completion and can
// encrypt/decrypt.
func (sk *SessionKey) IsComplete() bool {
	return sk.complete
}

// Complete finishes a half-open SessionKey using the peer's long-lived
// Ed25519 public key and its ephemeral X25519 DH bytes. It returns false on
// any derivation failure (malformed input, or the key was already
// complete), in which case the connection MUST be closed.
func (sk *SessionKey) Complete(remotePub ed25519.PublicKey, remoteDH []byte) bool {
	if sk.complete {
		return false
	}
	if len(remotePub) != ed25519.PublicKeySize || len(remoteDH) != 32 {
		return false
	}
	remoteID := derivePeerID(remotePub)

	var remoteDHArr [32]byte
	copy(remoteDHArr[:], remoteDH)

	shared, err := curve25519.X25519(sk.ephPriv[:], remoteDHArr[:])
	if err != nil {
		return false
	}

	sendKey, recvKey, err := deriveDirectionalKeys(shared, sk.localID, remoteID)
	if err != nil {
		return false
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return false
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return false
	}

	sk.sendAEAD = sendAEAD
	sk.recvAEAD = recvAEAD
	sk.complete = true
	return true
}

// Encrypt seals plaintext under the outbound direction key, prefixing the
// ciphertext with a monotonic sequence number used as both nonce and
// replay-resistance marker on the receiving side.
func (sk *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	if !sk.complete {
		return nil, fmt.Errorf("keystore: session key not complete")
	}
	sk.sendSeq++
	seq := sk.sendSeq
	nonce := sequenceNonce(seq, sk.sendAEAD.NonceSize())
	ct := sk.sendAEAD.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, seqPrefixSize+len(ct))
	binary.BigEndian.PutUint64(out[:seqPrefixSize], seq)
	copy(out[seqPrefixSize:], ct)
	return out, nil
}

// Decrypt opens a frame produced by the peer's Encrypt. It enforces (P4):
// the decrypted sequence number must be strictly greater than the prior
// decrypted sequence on this direction, rejecting replays and reorders.
func (sk *SessionKey) Decrypt(frame []byte) ([]byte, error) {
	if !sk.complete {
		return nil, fmt.Errorf("keystore: session key not complete")
	}
	if len(frame) < seqPrefixSize {
		return nil, fmt.Errorf("keystore: frame shorter than sequence prefix")
	}
	seq := binary.BigEndian.Uint64(frame[:seqPrefixSize])
	if seq <= sk.recvSeq {
		return nil, fmt.Errorf("keystore: replayed or out-of-order sequence %d (last %d)", seq, sk.recvSeq)
	}
	nonce := sequenceNonce(seq, sk.recvAEAD.NonceSize())
	pt, err := sk.recvAEAD.Open(nil, nonce, frame[seqPrefixSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt: %w", err)
	}
	sk.recvSeq = seq
	return pt, nil
}

// sequenceNonce packs a sequence number into a nonce of the AEAD's size,
// right-aligned; each direction's keys are distinct so the per-direction
// counter never repeats a nonce under the same key.
func sequenceNonce(seq uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-seqPrefixSize:], seq)
	return nonce
}

// deriveDirectionalKeys derives two independent 32-byte AEAD keys from the
// raw DH shared secret via HKDF-SHA256, salted with both peers' ids in a
// canonical (lower-id-first) order so both sides compute the same pair, and
// returns (sendKey, recvKey) from localID's point of view.
func deriveDirectionalKeys(shared []byte, localID, remoteID PeerID) (sendKey, recvKey []byte, err error) {
	localIsLower := localID.Less(remoteID)

	var salt []byte
	if localIsLower {
		salt = append(append([]byte{}, localID[:]...), remoteID[:]...)
	} else {
		salt = append(append([]byte{}, remoteID[:]...), localID[:]...)
	}

	h := hkdf.New(sha256.New, shared, salt, []byte(sessionInfo))
	both := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, both); err != nil {
		return nil, nil, fmt.Errorf("keystore: hkdf expand: %w", err)
	}

	lowerToHigher := both[:chacha20poly1305.KeySize]
	higherToLower := both[chacha20poly1305.KeySize:]

	if localIsLower {
		return lowerToHigher, higherToLower, nil
	}
	return higherToLower, lowerToHigher, nil
}
