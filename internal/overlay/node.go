package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/klingonmesh/meshnet/internal/keystore"
	"github.com/klingonmesh/meshnet/internal/log"
	"github.com/klingonmesh/meshnet/internal/storage"
)

// healthCheckInterval is how often Node checks whether it has lost every
// peer and should surface ReceiveNetworkLost (SPEC_FULL.md §6).
const healthCheckInterval = 10 * time.Second

// bufferSweepInterval is how often Buffer.TimerClear runs, independently of
// the health check (SPEC_FULL.md §9: the two run as separate tickers, not a
// shared one, so a slow health check never delays buffer reclamation).
const bufferSweepInterval = 60 * time.Second

// ConfigError reports a malformed or missing configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("overlay: config error: %s: %s", e.Field, e.Reason)
}

// TransportBindError reports a transport kind that could not be bound,
// including kinds recognized but not implemented (RTP, UDT).
type TransportBindError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportBindError) Error() string {
	return fmt.Sprintf("overlay: bind transport %s: %v", e.Kind, e.Err)
}

func (e *TransportBindError) Unwrap() error { return e.Err }

// Config is the resolved set of inputs Start needs to bring up an overlay
// node (spec §6, "Configuration").
type Config struct {
	// ListenAddrs maps each transport kind this node binds to its listen
	// address. A transport present with an empty address dials-only.
	ListenAddrs map[TransportKind]string
	Bootstrap   []Peer

	Options Options

	// DB backs identity and peer-list persistence. Nil disables
	// persistence entirely: a fresh identity is generated every Start and
	// no bootstrap hints survive a restart.
	DB storage.DB

	Allowlist, Blocklist         []string
	AllowPeers, BlockPeers       []string
}

// Handle is the live, running overlay node returned by Start.
type Handle struct {
	global *Global
	cancel context.CancelFunc

	send    chan SendMessage
	receive chan ReceiveMessage

	transports map[TransportKind]Transport
}

// Send returns the channel the application uses to issue SendMessage
// requests, which the dispatcher (C6) consumes.
func (h *Handle) Send() chan<- SendMessage { return h.send }

// Receive returns the channel the application reads ReceiveMessage
// notifications from.
func (h *Handle) Receive() <-chan ReceiveMessage { return h.receive }

// Self returns this node's PeerID.
func (h *Handle) Self() PeerID { return h.global.Self }

// Stop cancels the node's context (ending the transport tasks and the
// health-check and buffer-sweep tickers), closes every transport, and
// persists the peer list one last time if db is non-nil. The dispatcher and
// inbound-router goroutines keep waiting on their channels, which Stop does
// not close.
func (h *Handle) Stop(db storage.DB) error {
	h.cancel()
	for _, t := range h.transports {
		_ = t.Close()
	}
	if db != nil {
		if err := SavePeerList(db, h.global.Registry); err != nil {
			return fmt.Errorf("overlay: persist peer list on stop: %w", err)
		}
	}
	return nil
}

// Start brings up the overlay: loads or creates the identity, constructs
// the registry/buffer/global core, binds every configured transport, and
// launches the dispatcher (C6), inbound router (C7), and transport tasks
// (C2) as their own goroutines, plus the independent health-check and
// buffer-sweep tickers (SPEC_FULL.md §9).
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	if len(cfg.ListenAddrs) == 0 {
		return nil, &ConfigError{Field: "ListenAddrs", Reason: "at least one transport kind must be configured"}
	}

	var id *keystore.Identity
	var err error
	if cfg.DB != nil {
		id, err = LoadOrCreateIdentity(cfg.DB)
	} else {
		id, err = keystore.GenerateIdentity()
	}
	if err != nil {
		return nil, fmt.Errorf("overlay: load identity: %w", err)
	}

	receive := make(chan ReceiveMessage, 256)
	send := make(chan SendMessage, 256)

	g := NewGlobal(id, cfg.Options, receive)
	g.Registry.SetFilters(cfg.Allowlist, cfg.Blocklist, cfg.AllowPeers, cfg.BlockPeers)

	bootstrap := cfg.Bootstrap
	if cfg.DB != nil {
		if persisted, err := LoadPeerList(cfg.DB); err == nil {
			bootstrap = append(bootstrap, persisted...)
		} else {
			log.Overlay.Warn().Err(err).Msg("failed to load persisted peer list")
		}
	}
	g.Registry.SetBootstrap(bootstrap)

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		global:     g,
		cancel:     cancel,
		send:       send,
		receive:    receive,
		transports: make(map[TransportKind]Transport),
	}

	spawn := func(peer Peer, key *keystore.SessionKey, conn ConnType, streamSend chan<- []byte, streamRecv <-chan []byte) chan<- SessionMessage {
		sess := NewSession(g, peer, key, conn, streamSend, streamRecv)
		sessionStream := streamSend
		if !conn.Direct {
			sessionStream = nil
		}
		// The inbound router's dedup-add (step 6) already registered this
		// id with nil handles before the handshake completed; AddDHT is a
		// no-op in that case, so the real handles are wired in via
		// SetHandles instead of being silently dropped.
		if !g.Registry.AddDHT(peer.ID, peer, sess.Inbox(), sessionStream) {
			g.Registry.SetHandles(peer.ID, sess.Inbox(), sessionStream)
		}
		// Also buffer as Tmp: a freshly handshaked peer awaiting the
		// application's upgrade/reject decision (spec §3, "Lifecycles").
		// dispatcher.go's Tmp-session fast path and Session's
		// promote/demote logic both consume this.
		g.Buffer.AddTmp(peer.ID, peer, conn.Direct, sess.Inbox(), streamSend)
		go sess.Run()
		return sess.Inbox()
	}
	router := NewInboundRouter(g, id, func(peer Peer, key *keystore.SessionKey, conn ConnType, streamSend chan<- []byte, streamRecv <-chan []byte) {
		spawn(peer, key, conn, streamSend, streamRecv)
	})

	// RelayConnectHandler admits a RelayConnect handshake arriving for
	// this node (spec §4.6, "spawn ... relay_stable"): complete a fresh
	// session key from the initiator's handshake bytes, spawn the
	// resulting Stable-relay session, and reply with our own handshake
	// bytes so the initiator can complete its half-open key in turn.
	g.RelayConnectHandler = func(fromID PeerID, viaID PeerID, pub, dh []byte) {
		if fromID == g.Self || g.Registry.IsBlockPeer(fromID) {
			return
		}
		fresh, err := id.GenerateSessionKey()
		if err != nil {
			log.Overlay.Error().Err(err).Msg("generate relay-connect response session key failed")
			return
		}
		if !fresh.Complete(pub, dh) {
			log.Overlay.Warn().Str("peer", fromID.Hex()).Msg("relay-connect session key completion failed")
			return
		}
		spawn(Peer{ID: fromID, AssistRelay: viaID}, fresh, RelayConn(viaID), nil, nil)

		relaySend, _, _, ok := g.Registry.Get(viaID)
		if !ok {
			return
		}
		reply := append(append([]byte(nil), id.Public()...), fresh.DHBytes()...)
		select {
		case relaySend <- SessionMessage{Kind: SessionRelayComplete, FromID: g.Self, ToID: fromID, TTL: int(g.Options.RelayTTL), Data: reply}:
		default:
			log.Overlay.Warn().Str("peer", fromID.Hex()).Msg("relay session inbox full, dropping relay-complete reply")
		}
	}
	g.SpawnRelaySession = func(peer Peer, key *keystore.SessionKey, via PeerID) chan<- SessionMessage {
		return spawn(peer, key, RelayConn(via), nil, nil)
	}

	connectDirect := func(peer Peer) {
		ch, ok := g.TransportSendFor(peer.Transport)
		if !ok {
			log.Overlay.Warn().Str("peer", peer.ID.Hex()).Str("transport", peer.Transport.String()).Msg("no bound transport for connect")
			return
		}
		sk, err := id.GenerateSessionKey()
		if err != nil {
			log.Overlay.Error().Err(err).Msg("generate session key for outbound connect failed")
			return
		}
		select {
		case ch <- TransportSendMessage{
			Kind:         TransportSendConnect,
			Addr:         peer.Addr,
			SessionKey:   sk,
			RemotePublic: RemotePublic{PublicKey: id.Public(), DHBytes: sk.DHBytes()},
		}:
		default:
			log.Overlay.Warn().Str("peer", peer.ID.Hex()).Msg("transport send channel full, dropping connect")
		}
	}
	connectRelay := func(peer Peer, relay PeerID) {
		relaySend, _, _, ok := g.Registry.Get(relay)
		if !ok {
			log.Overlay.Warn().Str("relay", relay.Hex()).Msg("relay peer not in registry")
			return
		}
		select {
		case relaySend <- SessionMessage{Kind: SessionRelayConnect, FromID: g.Self, ToID: peer.ID, TTL: int(g.Options.RelayTTL)}:
		default:
			log.Overlay.Warn().Str("relay", relay.Hex()).Msg("relay session inbox full, dropping relay-connect")
		}
	}
	dispatcher := NewDispatcher(g, send, connectDirect, connectRelay)

	for kind, addr := range cfg.ListenAddrs {
		var t Transport
		switch kind {
		case TransportTCP:
			t = NewTCPTransport()
		case TransportQUIC:
			t = NewQUICTransport()
		default:
			cancel()
			return nil, &TransportBindError{Kind: kind, Err: fmt.Errorf("transport kind not implemented")}
		}

		tsend := make(chan TransportSendMessage, 64)
		trecv := make(chan TransportRecvMessage, 64)
		g.BindTransport(kind, tsend)
		h.transports[kind] = t

		local := RemotePublic{PublicKey: id.Public()}
		go func(t Transport, addr string) {
			if err := t.Run(ctx, addr, local, tsend, trecv); err != nil && ctx.Err() == nil {
				log.Overlay.Error().Err(err).Str("transport", t.Kind().String()).Msg("transport task exited")
			}
		}(t, addr)
		go router.Run(trecv)
	}

	go dispatcher.Run()
	go runHealthCheck(ctx, g)
	go runBufferSweep(ctx, g)

	if len(bootstrap) > 0 {
		for _, p := range bootstrap {
			if p.HasSocket() {
				connectDirect(p)
			}
		}
	}

	return h, nil
}

// runHealthCheck periodically checks whether every known peer has been
// lost and, if so, surfaces ReceiveNetworkLost to the application. It
// ticks independently of runBufferSweep (SPEC_FULL.md §9 Open Question).
func runHealthCheck(ctx context.Context, g *Global) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(g.Registry.StableIDs()) == 0 && len(g.Registry.DhtKeys()) == 0 {
				g.DeliverReceive(ReceiveMessage{Kind: ReceiveNetworkLost})
			}
		}
	}
}

// runBufferSweep periodically reclaims aged-out Buffer entries, emitting a
// failed Delivery for every swept Pending-connect or Pending-result.
func runBufferSweep(ctx context.Context, g *Global) {
	ticker := time.NewTicker(bufferSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, swept := range g.Buffer.TimerClear() {
				g.DeliverDelivery(swept.Kind, swept.Tid, false, nil)
			}
		}
	}
}
