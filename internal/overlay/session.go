package overlay

import (
	"crypto/ed25519"

	"github.com/klingonmesh/meshnet/internal/keystore"
	"github.com/klingonmesh/meshnet/internal/log"
)

// inboxSize bounds how many SessionMessages can be queued for a session.
// The package's own senders use non-blocking sends and drop a message when
// the inbox is full.
const inboxSize = 64

// Session is the per-connected-peer state machine (C5). It owns the
// current ConnType, the completed SessionKey, and the inbox channel other
// components use to address it. All mutable state is owned solely by the
// goroutine running Run; every external access goes through Inbox().
type Session struct {
	id     PeerID
	peer   Peer
	global *Global
	key    *keystore.SessionKey

	conn ConnType

	inbox      chan SessionMessage
	streamSend chan<- []byte
	streamRecv <-chan []byte // nil when conn is Relay

	// wasStable records whether this session's peer was ever promoted to
	// Stable, so teardown can scope ReceiveStableLeave to peers the
	// application actually admitted (spec §4.5/§6) rather than every
	// DHT-only peer that happens to disconnect.
	wasStable bool
}

// NewSession creates a session for peer with an already-complete key and
// initial ConnType. The caller is responsible for spawning Run in its own
// goroutine (session_spawn, per spec §5).
func NewSession(g *Global, peer Peer, key *keystore.SessionKey, conn ConnType, streamSend chan<- []byte, streamRecv <-chan []byte) *Session {
	return &Session{
		id:         peer.ID,
		peer:       peer,
		global:     g,
		key:        key,
		conn:       conn,
		inbox:      make(chan SessionMessage, inboxSize),
		streamSend: streamSend,
		streamRecv: streamRecv,
	}
}

// Inbox returns the channel used to address this session.
func (s *Session) Inbox() chan<- SessionMessage {
	return s.inbox
}

// Run is the session's main loop: select over the inbox (application and
// peer-session originated control) and, when Direct, the decrypted stream
// of frames arriving from the transport plane. It returns when the session
// closes.
func (s *Session) Run() {
	logger := log.WithPeer(s.id.Hex())
	logger.Debug().Bool("direct", s.conn.Direct).Msg("session started")

	defer s.teardown()

	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			if msg.Kind == SessionClose {
				return
			}
			s.handleInbox(msg)

		case raw, ok := <-s.streamRecv:
			if s.streamRecv == nil {
				// A nil channel blocks forever in select, so this case
				// never fires when conn is Relay; guard is defensive.
				continue
			}
			if !ok {
				logger.Debug().Msg("transport stream closed")
				return
			}
			s.handleWire(raw)
		}
	}
}

// handleWire decrypts and dispatches one frame received from the
// transport plane.
func (s *Session) handleWire(raw []byte) {
	plaintext, err := s.key.Decrypt(raw)
	if err != nil {
		log.Session.Warn().Str("peer", s.id.Hex()).Err(err).Msg("dropping undecryptable frame")
		return
	}
	f, err := decodeFrame(plaintext)
	if err != nil {
		log.Session.Warn().Str("peer", s.id.Hex()).Err(err).Msg("dropping malformed frame")
		return
	}
	s.handleFrame(f)
}

func (s *Session) handleFrame(f frame) {
	switch f.kind {
	case frameData:
		if s.global.Options.OnlyStableData && !s.isStable() {
			return
		}
		s.global.DeliverReceive(ReceiveMessage{Kind: ReceiveData, From: s.peer, Data: f.payload})

	case frameStableConnect:
		s.global.DeliverReceive(ReceiveMessage{Kind: ReceiveStableConnect, From: s.peer, Data: f.payload})

	case frameStableResult:
		tid, data, ok := s.global.Buffer.RemoveConnect(s.id)
		if !ok {
			log.Session.Warn().Str("peer", s.id.Hex()).Msg("stable-result with no matching pending connect")
			return
		}
		if f.isOk {
			s.promoteToStable()
		}
		s.global.DeliverDelivery(DeliveryStableConnect, tid, true, data)
		s.global.DeliverReceive(ReceiveMessage{Kind: ReceiveStableResult, From: s.peer, IsOk: f.isOk, Data: f.payload})

	case frameRelayData:
		s.handleRelayFrame(f)

	case frameRelayConnect:
		s.handleRelayConnectFrame(f)

	case frameRelayComplete:
		s.handleRelayCompleteFrame(f)

	case frameDHTHint:
		for _, p := range f.dhtPeers {
			if p.ID == s.global.Self || p.ID.IsZero() {
				continue
			}
			s.global.Registry.AddDHT(p.ID, p, nil, nil)
		}

	case frameClose:
		s.requestClose()
	}
}

// handleRelayFrame processes an inbound RelayData frame: deliver locally
// if we are the target, else forward one hop further after decrementing
// TTL (spec §4.5: "a non-self terminal frame MUST decrement a TTL before
// forwarding to prevent loops").
func (s *Session) handleRelayFrame(f frame) {
	if f.target == s.global.Self {
		// If we hold our own session object for the claimed sender (a
		// Stable-relay or DHT entry keyed by f.from), the payload is that
		// session's own end-to-end ciphertext riding this hop's envelope:
		// hand it off for that session's key to decrypt rather than
		// surfacing the still-encrypted bytes as plaintext Data.
		if sessionSend, _, exact, ok := s.global.Registry.Get(f.from); ok && exact {
			select {
			case sessionSend <- SessionMessage{Kind: SessionRelayDeliver, Data: f.payload}:
			default:
				log.Session.Warn().Str("from", f.from.Hex()).Msg("relay-deliver inbox full, dropping frame")
			}
			return
		}
		s.global.DeliverReceive(ReceiveMessage{Kind: ReceiveData, From: Peer{ID: f.from}, Data: f.payload})
		return
	}
	if !s.global.Options.AllowRelay {
		return
	}
	if f.ttl == 0 {
		return
	}

	sessionSend, _, _, ok := s.global.Registry.Get(f.target)
	if !ok {
		return
	}
	forward := SessionMessage{
		Kind:   SessionRelayData,
		FromID: f.from,
		ToID:   f.target,
		TTL:    int(f.ttl) - 1,
		Data:   f.payload,
	}
	select {
	case sessionSend <- forward:
	default:
		log.Session.Warn().Str("target", f.target.Hex()).Msg("relay hop inbox full, dropping frame")
	}
}

// handleRelayConnectFrame processes an inbound RelayConnect frame: if we
// are the named target, the handshake has arrived for us to admit (spec
// §4.5, "RelayConnect(...)"); otherwise it is forwarded one hop further,
// TTL decremented, exactly like RelayData.
func (s *Session) handleRelayConnectFrame(f frame) {
	if f.target == s.global.Self {
		if len(f.payload) != relayHandshakeSize {
			log.Session.Warn().Str("from", f.from.Hex()).Msg("malformed relay-connect handshake")
			return
		}
		if s.global.RelayConnectHandler != nil {
			pub := append([]byte(nil), f.payload[:ed25519.PublicKeySize]...)
			dh := append([]byte(nil), f.payload[ed25519.PublicKeySize:relayHandshakeSize]...)
			s.global.RelayConnectHandler(f.from, s.id, pub, dh)
		}
		return
	}
	if f.ttl == 0 {
		return
	}
	sessionSend, _, _, ok := s.global.Registry.Get(f.target)
	if !ok {
		return
	}
	forward := SessionMessage{Kind: SessionRelayConnect, FromID: f.from, ToID: f.target, TTL: int(f.ttl) - 1, Data: f.payload}
	select {
	case sessionSend <- forward:
	default:
		log.Session.Warn().Str("target", f.target.Hex()).Msg("relay-connect hop inbox full, dropping frame")
	}
}

// handleRelayCompleteFrame processes the reply leg of a RelayConnect: if we
// are the named target, it completes our own outstanding half-open key;
// otherwise it is forwarded one hop further back toward the initiator.
func (s *Session) handleRelayCompleteFrame(f frame) {
	if f.target == s.global.Self {
		s.completeRelayConnect(f.from, f.payload)
		return
	}
	if f.ttl == 0 {
		return
	}
	sessionSend, _, _, ok := s.global.Registry.Get(f.target)
	if !ok {
		return
	}
	forward := SessionMessage{Kind: SessionRelayComplete, FromID: f.from, ToID: f.target, TTL: int(f.ttl) - 1, Data: f.payload}
	select {
	case sessionSend <- forward:
	default:
		log.Session.Warn().Str("target", f.target.Hex()).Msg("relay-complete hop inbox full, dropping frame")
	}
}

// handleInbox processes a SessionMessage addressed to this session by the
// dispatcher, the inbound router, or another session's relay forwarding.
func (s *Session) handleInbox(msg SessionMessage) {
	switch msg.Kind {
	case SessionData:
		s.send(encodeDataFrame(msg.Data))
		s.global.DeliverDelivery(DeliveryData, msg.Tid, true, msg.Data)

	case SessionStableConnect:
		s.send(encodeStableConnectFrame(msg.Data))

	case SessionStableResult:
		s.send(encodeStableResultFrame(msg.IsOk, msg.IsForce, msg.Data))
		if msg.IsOk {
			s.promoteToStable()
		} else {
			s.demoteFromTmp()
		}
		s.global.DeliverDelivery(DeliveryStableResult, msg.Tid, true, msg.Data)

	case SessionRelayData:
		s.forwardRelay(msg)

	case SessionRelayDeliver:
		s.handleWire(msg.Data)

	case SessionRelayConnect:
		if len(msg.Data) == 0 {
			s.originateRelayConnect(msg.ToID, msg.TTL)
		} else {
			s.send(encodeRelayConnectFrame(msg.FromID, msg.ToID, byte(msg.TTL), msg.Data))
		}

	case SessionRelayComplete:
		s.send(encodeRelayCompleteFrame(msg.FromID, msg.ToID, byte(msg.TTL), msg.Data))

	case SessionDirectIncoming:
		s.adoptDirect(msg.Direct)

	case SessionClose:
		s.requestClose()
	}
}

// originateRelayConnect generates a fresh half-open session key toward
// target, stashes it pending the reply, and sends the initial RelayConnect
// hop out over this session (our connection to the chosen relay).
func (s *Session) originateRelayConnect(target PeerID, ttl int) {
	sk, err := s.global.Identity.GenerateSessionKey()
	if err != nil {
		log.Session.Error().Err(err).Msg("generate relay-connect session key failed")
		return
	}
	s.global.StoreRelayPending(target, sk)
	handshake := append(append([]byte(nil), s.global.Identity.Public()...), sk.DHBytes()...)
	s.send(encodeRelayConnectFrame(s.global.Self, target, byte(ttl), handshake))
}

// completeRelayConnect finishes the half-open key we generated for
// originating a relay-connect toward from, then spawns the resulting
// Stable-relay session and hands it any StableConnect buffered while the
// handshake was in flight (spec §4.6, "register in buffer Pending-connect
// ... and spawn ... relay_stable").
func (s *Session) completeRelayConnect(from PeerID, handshake []byte) {
	sk, ok := s.global.TakeRelayPending(from)
	if !ok {
		log.Session.Warn().Str("from", from.Hex()).Msg("relay-complete with no matching pending connect")
		return
	}
	if len(handshake) != relayHandshakeSize {
		log.Session.Warn().Str("from", from.Hex()).Msg("malformed relay-complete handshake")
		return
	}
	if !sk.Complete(handshake[:ed25519.PublicKeySize], handshake[ed25519.PublicKeySize:relayHandshakeSize]) {
		log.Session.Warn().Str("from", from.Hex()).Msg("relay-connect session key completion failed")
		return
	}
	if s.global.SpawnRelaySession == nil {
		return
	}
	inbox := s.global.SpawnRelaySession(Peer{ID: from, AssistRelay: s.id}, sk, s.id)
	if tid, data, ok := s.global.Buffer.RemoveConnect(from); ok {
		select {
		case inbox <- SessionMessage{Kind: SessionStableConnect, Tid: tid, Data: data}:
		default:
			log.Session.Warn().Str("peer", from.Hex()).Msg("new relay session inbox full, dropping buffered stable-connect")
		}
	}
}

// send transmits a plaintext frame over this session's own transport
// (Direct) or via its relay (Relay), encrypting under this session's key
// in both cases — the key is shared with the session's actual peer
// regardless of whether the bytes travel straight to them or via an
// intermediary.
func (s *Session) send(plaintext []byte) {
	ct, err := s.key.Encrypt(plaintext)
	if err != nil {
		log.Session.Error().Str("peer", s.id.Hex()).Err(err).Msg("encrypt failed")
		return
	}

	if s.conn.Direct {
		if s.streamSend == nil {
			return
		}
		select {
		case s.streamSend <- ct:
		default:
			log.Session.Warn().Str("peer", s.id.Hex()).Msg("transport stream full, dropping frame")
		}
		return
	}

	relaySend, _, _, ok := s.global.Registry.Get(s.conn.Relay)
	if !ok {
		return
	}
	select {
	case relaySend <- SessionMessage{Kind: SessionRelayData, FromID: s.global.Self, ToID: s.id, TTL: int(s.global.Options.RelayTTL), Data: ct}:
	default:
		log.Session.Warn().Str("peer", s.id.Hex()).Msg("relay inbox full, dropping frame")
	}
}

// forwardRelay handles a SessionMessage asking this session to deliver a
// pre-encrypted (by the originating hop) RelayData payload toward its own
// peer — either straight onto its own transport (Direct) or via its own
// relay (Relay, a further hop).
func (s *Session) forwardRelay(msg SessionMessage) {
	wire := encodeRelayDataFrame(msg.FromID, msg.ToID, byte(msg.TTL), msg.Data)
	ct, err := s.key.Encrypt(wire)
	if err != nil {
		log.Session.Error().Str("peer", s.id.Hex()).Err(err).Msg("relay encrypt failed")
		return
	}

	if s.conn.Direct {
		if s.streamSend == nil {
			return
		}
		select {
		case s.streamSend <- ct:
		default:
			log.Session.Warn().Str("peer", s.id.Hex()).Msg("transport stream full, dropping relay frame")
		}
		return
	}

	relaySend, _, _, ok := s.global.Registry.Get(s.conn.Relay)
	if !ok {
		return
	}
	select {
	case relaySend <- msg:
	default:
		log.Session.Warn().Str("peer", s.id.Hex()).Msg("relay inbox full, dropping relay frame")
	}
}

// adoptDirect swaps this session from Relay to Direct in place, used by
// the relay-to-direct upgrade (spec §4.5). No frames are lost because the
// relay channel remains usable until the direct one delivers its first
// decrypted frame.
func (s *Session) adoptDirect(d DirectIncoming) {
	s.conn = DirectConn()
	s.streamSend = d.StreamSend
	s.streamRecv = d.StreamRecv
	s.peer = d.RemotePeer
	s.global.Registry.UpgradeToDirect(s.id, s.inbox, d.StreamSend)
	log.Session.Info().Str("peer", s.id.Hex()).Msg("relay session upgraded to direct")
}

// promoteToStable moves this session's peer from Tmp or DHT into Stable,
// preserving the session's current ConnType.
func (s *Session) promoteToStable() {
	s.wasStable = true
	if peer, isDirect, ok := s.global.Buffer.RemoveTmp(s.id); ok {
		conn := s.conn
		if isDirect {
			conn = DirectConn()
		}
		s.global.Registry.AddStable(s.id, peer, conn, s.inbox, s.streamSend)
		return
	}
	s.global.Registry.DhtToStable(s.id, s.conn)
}

// demoteFromTmp releases a rejected Tmp entry: keep in DHT if the hint was
// direct, else drop entirely.
func (s *Session) demoteFromTmp() {
	peer, isDirect, ok := s.global.Buffer.RemoveTmp(s.id)
	if !ok {
		return
	}
	if isDirect {
		s.global.Registry.AddDHT(s.id, peer, s.inbox, s.streamSend)
	}
}

func (s *Session) isStable() bool {
	_, _, exact, ok := s.global.Registry.Get(s.id)
	return ok && exact
}

func (s *Session) requestClose() {
	select {
	case s.inbox <- SessionMessage{Kind: SessionClose}:
	default:
	}
}

// teardown removes the session from the registry and drains its inbox,
// synthesizing failure Deliveries for every tid != 0 still outstanding
// (spec §4.5, "Closure").
func (s *Session) teardown() {
	s.global.Registry.Remove(s.id)

	if tid, data, ok := s.global.Buffer.RemoveConnect(s.id); ok {
		s.global.DeliverDelivery(DeliveryStableConnect, tid, false, data)
	}
	if tid, data, ok := s.global.Buffer.RemoveResult(s.id); ok {
		s.global.DeliverDelivery(DeliveryStableResult, tid, false, data)
	}
	s.global.Buffer.RemoveTmp(s.id)

	if s.wasStable {
		s.global.DeliverReceive(ReceiveMessage{Kind: ReceiveStableLeave, From: s.peer})
	}

drain:
	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				break drain
			}
			if msg.Tid != 0 {
				s.global.DeliverDelivery(deliveryKindFor(msg.Kind), msg.Tid, false, msg.Data)
			}
		default:
			break drain
		}
	}

	log.Session.Debug().Str("peer", s.id.Hex()).Msg("session closed")
}

func deliveryKindFor(k SessionKind) DeliveryKind {
	switch k {
	case SessionStableConnect:
		return DeliveryStableConnect
	case SessionStableResult:
		return DeliveryStableResult
	default:
		return DeliveryData
	}
}
