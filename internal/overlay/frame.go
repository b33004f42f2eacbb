package overlay

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/klingonmesh/meshnet/internal/keystore"
)

// frameKind is the plaintext opcode carried inside every encrypted session
// frame (spec §4.5, "Core algorithm — inbound frame handling").
type frameKind byte

const (
	frameData          frameKind = 0x00
	frameStableConnect frameKind = 0x01
	frameStableResult  frameKind = 0x02
	frameRelayData     frameKind = 0x03
	frameClose         frameKind = 0x04
	// frameDHTHint seeds the remote's routing table right after handshake
	// (spec §4.7 step 7, "reply with DHT(help_dht(remote_id))").
	frameDHTHint frameKind = 0x05
	// frameRelayConnect carries a relay-connect handshake (identity public
	// key || ephemeral DH bytes) hop by hop toward a peer with no direct
	// transport path, so the pairwise Stable-relay session key can be
	// negotiated the same way a direct session's key is (spec §4.5,
	// "RelayConnect(...)").
	frameRelayConnect frameKind = 0x06
	// frameRelayComplete carries the responder's handshake bytes back
	// along the same hop path, completing the initiator's half-open key
	// (spec §4.5, "RelayConnect(...)"; this is its reply leg).
	frameRelayComplete frameKind = 0x07
)

// relayHandshakeSize is the length of a RelayConnect frame's handshake
// payload: a 32-byte Ed25519 public key followed by 32 bytes of X25519 DH
// material.
const relayHandshakeSize = ed25519.PublicKeySize + 32

// frame is a decoded session-level plaintext message.
type frame struct {
	kind frameKind

	payload []byte

	// StableResult
	isOk    bool
	isForce bool

	// RelayData
	from   PeerID
	target PeerID
	ttl    byte

	// DHTHint
	dhtPeers []Peer
}

// encodeDataFrame builds a Data frame.
func encodeDataFrame(payload []byte) []byte {
	return append([]byte{byte(frameData)}, payload...)
}

// encodeStableConnectFrame builds a StableConnect frame.
func encodeStableConnectFrame(payload []byte) []byte {
	return append([]byte{byte(frameStableConnect)}, payload...)
}

// encodeStableResultFrame builds a StableResult frame.
func encodeStableResultFrame(isOk, isForce bool, payload []byte) []byte {
	out := make([]byte, 0, 3+len(payload))
	out = append(out, byte(frameStableResult))
	out = append(out, boolByte(isOk), boolByte(isForce))
	return append(out, payload...)
}

// encodeRelayDataFrame builds a RelayData frame originated by from,
// addressed to target, with the given TTL. Carrying the original sender
// through every hop lets the terminal hop attribute delivered data to the
// true originator rather than to the last relay.
func encodeRelayDataFrame(from, target PeerID, ttl byte, payload []byte) []byte {
	out := make([]byte, 0, 1+PeerIDSize+PeerIDSize+1+len(payload))
	out = append(out, byte(frameRelayData))
	out = append(out, from.Bytes()...)
	out = append(out, target.Bytes()...)
	out = append(out, ttl)
	return append(out, payload...)
}

// encodeRelayConnectFrame builds a RelayConnect frame carrying a 64-byte
// handshake (pubkey || DH bytes) from the initiating or responding peer
// toward target. Wire layout mirrors RelayData's from/target/ttl prefix so
// both wire kinds share the same hop-forwarding shape.
func encodeRelayConnectFrame(from, target PeerID, ttl byte, handshake []byte) []byte {
	out := make([]byte, 0, 1+PeerIDSize+PeerIDSize+1+len(handshake))
	out = append(out, byte(frameRelayConnect))
	out = append(out, from.Bytes()...)
	out = append(out, target.Bytes()...)
	out = append(out, ttl)
	return append(out, handshake...)
}

// encodeRelayCompleteFrame builds a RelayComplete frame: the reply leg of a
// RelayConnect, carrying the responder's own handshake bytes back toward
// target (the original initiator).
func encodeRelayCompleteFrame(from, target PeerID, ttl byte, handshake []byte) []byte {
	out := make([]byte, 0, 1+PeerIDSize+PeerIDSize+1+len(handshake))
	out = append(out, byte(frameRelayComplete))
	out = append(out, from.Bytes()...)
	out = append(out, target.Bytes()...)
	out = append(out, ttl)
	return append(out, handshake...)
}

// encodeCloseFrame builds a Close frame.
func encodeCloseFrame() []byte {
	return []byte{byte(frameClose)}
}

// encodeDHTHintFrame builds a DHTHint frame carrying peers as seed
// descriptors for the remote's own routing table. Capped to 255 entries,
// comfortably above a single k-bucket's capacity.
func encodeDHTHintFrame(peers []Peer) []byte {
	if len(peers) > 255 {
		peers = peers[:255]
	}
	out := []byte{byte(frameDHTHint), byte(len(peers))}
	for _, p := range peers {
		out = append(out, p.ID.Bytes()...)
		out = append(out, p.Transport.Byte())
		addr := []byte(p.Addr)
		var addrLen [2]byte
		binary.BigEndian.PutUint16(addrLen[:], uint16(len(addr)))
		out = append(out, addrLen[:]...)
		out = append(out, addr...)
		out = append(out, p.AssistRelay.Bytes()...)
	}
	return out
}

// decodeFrame parses a decrypted plaintext payload into a frame.
func decodeFrame(plaintext []byte) (frame, error) {
	if len(plaintext) < 1 {
		return frame{}, fmt.Errorf("overlay: empty frame")
	}
	kind := frameKind(plaintext[0])
	body := plaintext[1:]

	switch kind {
	case frameData:
		return frame{kind: kind, payload: body}, nil

	case frameStableConnect:
		return frame{kind: kind, payload: body}, nil

	case frameStableResult:
		if len(body) < 2 {
			return frame{}, fmt.Errorf("overlay: stable-result frame too short")
		}
		return frame{
			kind:    kind,
			isOk:    body[0] != 0,
			isForce: body[1] != 0,
			payload: body[2:],
		}, nil

	case frameRelayData:
		if len(body) < PeerIDSize+PeerIDSize+1 {
			return frame{}, fmt.Errorf("overlay: relay-data frame too short")
		}
		from, err := keystore.PeerIDFromBytes(body[:PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		target, err := keystore.PeerIDFromBytes(body[PeerIDSize : 2*PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		return frame{
			kind:    kind,
			from:    from,
			target:  target,
			ttl:     body[2*PeerIDSize],
			payload: body[2*PeerIDSize+1:],
		}, nil

	case frameRelayConnect:
		if len(body) < PeerIDSize+PeerIDSize+1 {
			return frame{}, fmt.Errorf("overlay: relay-connect frame too short")
		}
		from, err := keystore.PeerIDFromBytes(body[:PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		target, err := keystore.PeerIDFromBytes(body[PeerIDSize : 2*PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		return frame{
			kind:    kind,
			from:    from,
			target:  target,
			ttl:     body[2*PeerIDSize],
			payload: body[2*PeerIDSize+1:],
		}, nil

	case frameRelayComplete:
		if len(body) < PeerIDSize+PeerIDSize+1 {
			return frame{}, fmt.Errorf("overlay: relay-complete frame too short")
		}
		from, err := keystore.PeerIDFromBytes(body[:PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		target, err := keystore.PeerIDFromBytes(body[PeerIDSize : 2*PeerIDSize])
		if err != nil {
			return frame{}, err
		}
		return frame{
			kind:    kind,
			from:    from,
			target:  target,
			ttl:     body[2*PeerIDSize],
			payload: body[2*PeerIDSize+1:],
		}, nil

	case frameClose:
		return frame{kind: kind}, nil

	case frameDHTHint:
		if len(body) < 1 {
			return frame{}, fmt.Errorf("overlay: dht-hint frame too short")
		}
		count := int(body[0])
		rest := body[1:]
		peers := make([]Peer, 0, count)
		for i := 0; i < count; i++ {
			if len(rest) < PeerIDSize+1+2 {
				return frame{}, fmt.Errorf("overlay: dht-hint frame truncated")
			}
			id, err := keystore.PeerIDFromBytes(rest[:PeerIDSize])
			if err != nil {
				return frame{}, err
			}
			rest = rest[PeerIDSize:]
			tk, err := TransportKindFromByte(rest[0])
			if err != nil {
				return frame{}, err
			}
			rest = rest[1:]
			addrLen := int(binary.BigEndian.Uint16(rest[:2]))
			rest = rest[2:]
			if len(rest) < addrLen+PeerIDSize {
				return frame{}, fmt.Errorf("overlay: dht-hint frame truncated")
			}
			addr := string(rest[:addrLen])
			rest = rest[addrLen:]
			relay, err := keystore.PeerIDFromBytes(rest[:PeerIDSize])
			if err != nil {
				return frame{}, err
			}
			rest = rest[PeerIDSize:]
			peers = append(peers, Peer{ID: id, Transport: tk, Addr: addr, AssistRelay: relay})
		}
		return frame{kind: kind, dhtPeers: peers}, nil

	default:
		return frame{}, fmt.Errorf("overlay: unknown frame opcode %d", kind)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
