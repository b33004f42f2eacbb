// Package overlay implements the peer-to-peer session lifecycle, peer
// registry, transport plane, and dispatcher that together form the
// overlay network core.
package overlay

import (
	"fmt"

	"github.com/klingonmesh/meshnet/internal/keystore"
)

// PeerID re-exports keystore.PeerID so overlay callers don't need to
// import the keystore package directly for the identifier type.
type PeerID = keystore.PeerID

// TransportKind enumerates the supported stream-oriented transports. Only
// QUIC and TCP are required to function; RTP and UDT are recognized values
// reserved for future transport implementations.
type TransportKind uint8

const (
	TransportQUIC TransportKind = 0
	TransportTCP  TransportKind = 1
	TransportRTP  TransportKind = 2
	TransportUDT  TransportKind = 3
)

// String returns the transport kind's lowercase name.
func (k TransportKind) String() string {
	switch k {
	case TransportQUIC:
		return "quic"
	case TransportTCP:
		return "tcp"
	case TransportRTP:
		return "rtp"
	case TransportUDT:
		return "udt"
	default:
		return fmt.Sprintf("transport(%d)", uint8(k))
	}
}

// Byte encodes the transport kind as a single wire byte.
func (k TransportKind) Byte() byte {
	return byte(k)
}

// TransportKindFromByte decodes a wire byte into a TransportKind, rejecting
// any value outside the four recognized kinds.
func TransportKindFromByte(b byte) (TransportKind, error) {
	if b > byte(TransportUDT) {
		return 0, fmt.Errorf("overlay: invalid transport kind byte %d", b)
	}
	return TransportKind(b), nil
}

// TransportKindFromString parses a transport kind's name, as used in
// configuration.
func TransportKindFromString(s string) (TransportKind, error) {
	switch s {
	case "quic":
		return TransportQUIC, nil
	case "tcp":
		return TransportTCP, nil
	case "rtp":
		return TransportRTP, nil
	case "udt":
		return TransportUDT, nil
	default:
		return 0, fmt.Errorf("overlay: unknown transport kind %q", s)
	}
}

// Peer is a peer descriptor: identity plus how to reach it. Either Addr or
// AssistRelay (or both) may be empty/zero — a peer may be "socket-only" (id
// unknown until handshake) or "id-only" (reached only via a relay).
type Peer struct {
	ID          PeerID
	Transport   TransportKind
	Addr        string // socket address, e.g. "127.0.0.1:7001"; empty if id-only
	AssistRelay PeerID // zero if no known relay
}

// HasSocket reports whether this descriptor has a usable socket address.
func (p Peer) HasSocket() bool {
	return p.Addr != ""
}

// HasRelay reports whether this descriptor names an assist relay.
func (p Peer) HasRelay() bool {
	return !p.AssistRelay.IsZero()
}

// EffectiveSocket returns the descriptor's socket address and whether one
// is present, mirroring the dispatcher's "does this target have an
// address" check used to choose between direct and relayed connect.
func (p Peer) EffectiveSocket() (string, bool) {
	return p.Addr, p.HasSocket()
}

// ConnType identifies whether a session reaches its peer directly or via a
// relay. Exactly one session per peer-id exists at any instant, and its
// ConnType is exactly one of these two.
type ConnType struct {
	Direct bool
	// Relay is populated when Direct is false: the peer-id of the
	// intermediary currently carrying this session's traffic.
	Relay PeerID
}

// DirectConn builds a Direct ConnType.
func DirectConn() ConnType {
	return ConnType{Direct: true}
}

// RelayConn builds a Relay ConnType through the given relay peer.
func RelayConn(relay PeerID) ConnType {
	return ConnType{Direct: false, Relay: relay}
}
