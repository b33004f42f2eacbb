// Package keystore manages the node's long-lived Ed25519 identity and the
// ephemeral per-peer session keys derived from it.
package keystore

import (
	"encoding/hex"
	"fmt"
)

// PeerIDSize is the length in bytes of a PeerID.
const PeerIDSize = 32

// PeerID is the overlay identifier derived from a peer's public key. It
// doubles as the DHT key, with XOR distance as the closeness metric.
type PeerID [PeerIDSize]byte

// ZeroPeerID is the empty peer id, used as the self-addressed zero value.
var ZeroPeerID PeerID

// Bytes returns the raw 32 bytes of the id.
func (id PeerID) Bytes() []byte {
	return id[:]
}

// Hex returns the lowercase hex encoding of the id.
func (id PeerID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id PeerID) String() string {
	return id.Hex()
}

// IsZero reports whether id is the zero value.
func (id PeerID) IsZero() bool {
	return id == ZeroPeerID
}

// PeerIDFromHex decodes a hex-encoded peer id. It rejects any input whose
// length is not exactly 64 characters or that contains non-hex characters.
func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	if len(s) != PeerIDSize*2 {
		return id, fmt.Errorf("keystore: peer id hex must be %d characters, got %d", PeerIDSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("keystore: invalid peer id hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// PeerIDFromBytes builds a PeerID from a raw 32-byte slice.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("keystore: peer id must be %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the Kademlia-style XOR distance between two peer ids.
func (id PeerID) Distance(other PeerID) PeerID {
	var d PeerID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less orders two peer ids by raw byte value. Combined with Distance, it
// gives a total order for ranking candidates by closeness to a target.
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
