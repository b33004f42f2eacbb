package overlay

import (
	"github.com/klingonmesh/meshnet/internal/keystore"
	"github.com/klingonmesh/meshnet/internal/log"
)

// InboundRouter consumes every newly handshaked transport connection (C7)
// and executes the ordered check-and-close sequence of spec §4.7 before a
// session is ever spawned.
type InboundRouter struct {
	global   *Global
	identity *keystore.Identity
	spawn    func(peer Peer, key *keystore.SessionKey, conn ConnType, streamSend chan<- []byte, streamRecv <-chan []byte)
}

// NewInboundRouter creates a router for identity id; spawn is invoked once
// per admitted connection to launch its Session goroutine (owned by
// node.go, which has the session-registry wiring this package keeps
// decoupled from transport concerns).
func NewInboundRouter(g *Global, id *keystore.Identity, spawn func(Peer, *keystore.SessionKey, ConnType, chan<- []byte, <-chan []byte)) *InboundRouter {
	return &InboundRouter{global: g, identity: id, spawn: spawn}
}

// Run consumes recv until it closes.
func (ir *InboundRouter) Run(recv <-chan TransportRecvMessage) {
	for msg := range recv {
		ir.handle(msg)
	}
}

func (ir *InboundRouter) handle(msg TransportRecvMessage) {
	logger := log.Inbound

	// Step 1: IP blocklist.
	if ir.global.Registry.IsBlockAddr(msg.Addr) {
		closeEndpoint(msg)
		return
	}

	// Step 2: derive remote_id, apply NAT rewrite.
	remoteID, err := keystore.PeerIDFromPublicKey(msg.RemotePublic.PublicKey)
	if err != nil {
		logger.Debug().Err(err).Str("addr", msg.Addr).Msg("malformed remote public key")
		closeEndpoint(msg)
		return
	}
	peer := Peer{ID: remoteID, Transport: msg.Kind, Addr: msg.Addr}

	// Step 3: self/block check.
	if remoteID == ir.global.Self || ir.global.Registry.IsBlockPeer(remoteID) {
		closeEndpoint(msg)
		return
	}

	// Step 4: complete the session key.
	var key *keystore.SessionKey
	if msg.IsSelf != nil {
		key = msg.IsSelf
		if !key.Complete(msg.RemotePublic.PublicKey, msg.RemotePublic.DHBytes) {
			logger.Warn().Str("peer", remoteID.Hex()).Msg("session key completion failed (outbound)")
			closeEndpoint(msg)
			return
		}
	} else {
		fresh, err := ir.identity.GenerateSessionKey()
		if err != nil {
			logger.Error().Err(err).Msg("generate session key failed")
			closeEndpoint(msg)
			return
		}
		if !fresh.Complete(msg.RemotePublic.PublicKey, msg.RemotePublic.DHBytes) {
			logger.Warn().Str("peer", remoteID.Hex()).Msg("session key completion failed (inbound)")
			closeEndpoint(msg)
			return
		}
		key = fresh
		// The transport layer already exchanged handshake envelopes
		// eagerly on both Dial and Listen before surfacing the stream
		// (transport.go, runConnection), which is this passive side's
		// reply; no further endpoint send is required here.
	}

	// Step 5: relay-to-direct upgrade.
	if relaySend, ok := ir.global.Registry.IsRelay(remoteID); ok {
		select {
		case relaySend <- SessionMessage{
			Kind: SessionDirectIncoming,
			Direct: DirectIncoming{
				RemotePeer:   peer,
				StreamSend:   msg.StreamSend,
				StreamRecv:   msg.StreamRecv,
				EndpointSend: msg.EndpointSend,
			},
		}:
		default:
			logger.Warn().Str("peer", remoteID.Hex()).Msg("relay session inbox full, dropping direct upgrade")
		}
		return
	}

	// Step 6: dedup via add_dht.
	if !ir.global.Registry.AddDHT(remoteID, peer, nil, nil) {
		logger.Debug().Str("peer", remoteID.Hex()).Msg("duplicate session attempt, closing")
		closeEndpoint(msg)
		return
	}

	// Step 7: seed the remote's routing table.
	hints := ir.global.Registry.HelpDHT(remoteID)
	if len(hints) > 0 {
		wire := encodeDHTHintFrame(hints)
		if ct, err := key.Encrypt(wire); err == nil {
			select {
			case msg.StreamSend <- ct:
			default:
				logger.Debug().Str("peer", remoteID.Hex()).Msg("stream full, dropping dht-hint reply")
			}
		}
	}

	// Step 8: spawn the session task.
	ir.spawn(peer, key, DirectConn(), msg.StreamSend, msg.StreamRecv)
}

// closeEndpoint signals the transport side to tear down a rejected
// connection.
func closeEndpoint(msg TransportRecvMessage) {
	select {
	case msg.EndpointSend <- EndpointFrame{Kind: EndpointClose}:
	default:
	}
}
