package overlay

import (
	"sync"

	"github.com/klingonmesh/meshnet/internal/keystore"
	"github.com/klingonmesh/meshnet/internal/log"
)

// Options carries the resolved runtime configuration the overlay core
// needs (spec §6, "Configuration").
type Options struct {
	Permission     bool
	OnlyStableData bool
	DeliveryLength int
	// AllowRelay mirrors the dispatcher's is_relay_data flag: whether this
	// node forwards RelayData frames for peers it is not the destination of.
	AllowRelay bool
	// RelayTTL bounds how many hops a RelayData frame may traverse.
	RelayTTL byte
}

// defaultRelayTTL bounds relay chains to a handful of hops.
const defaultRelayTTL = 8

// Global is the shared state every session, the dispatcher, and the
// inbound router read and mutate: the identity, the registry, the buffer,
// the application-facing receive channel, and the per-transport-kind send
// channels. Registry and Buffer are each internally lock-guarded; Global
// adds its own locks only for the transport-channel map and the pending
// relay-connect key map, per the discipline of never holding more than one
// of {registry, buffer} at a time.
type Global struct {
	Self     PeerID
	Identity *keystore.Identity
	Registry *Registry
	Buffer   *Buffer
	Options  Options

	receive chan<- ReceiveMessage

	transportMu sync.RWMutex
	transports  map[TransportKind]chan<- TransportSendMessage

	relayMu      sync.Mutex
	relayPending map[PeerID]*keystore.SessionKey

	// RelayConnectHandler admits a freshly arrived relay-carried handshake
	// for this node: completes a fresh session key and replies with our
	// own handshake, without yet knowing if the initiator's key is itself
	// complete (that happens on their side via SpawnRelaySession). Set by
	// node.go, which owns identity and session-spawning.
	RelayConnectHandler func(fromID PeerID, viaID PeerID, pub, dh []byte)

	// SpawnRelaySession launches a new Stable-relay Session for peer once
	// its end-to-end SessionKey has completed, via the named relay, and
	// returns its inbox. Set by node.go.
	SpawnRelaySession func(peer Peer, key *keystore.SessionKey, via PeerID) chan<- SessionMessage
}

// NewGlobal wires up the shared overlay state for identity id, delivering
// application notifications on receive.
func NewGlobal(id *keystore.Identity, opts Options, receive chan<- ReceiveMessage) *Global {
	if opts.RelayTTL == 0 {
		opts.RelayTTL = defaultRelayTTL
	}
	return &Global{
		Self:       id.PeerID(),
		Identity:   id,
		Registry:   NewRegistry(id.PeerID()),
		Buffer:     NewBuffer(0),
		Options:    opts,
		receive:      receive,
		transports:   make(map[TransportKind]chan<- TransportSendMessage),
		relayPending: make(map[PeerID]*keystore.SessionKey),
	}
}

// StoreRelayPending records the half-open SessionKey generated for an
// in-flight relay-connect originated toward target, so the reply leg can
// complete it.
func (g *Global) StoreRelayPending(target PeerID, sk *keystore.SessionKey) {
	g.relayMu.Lock()
	defer g.relayMu.Unlock()
	g.relayPending[target] = sk
}

// TakeRelayPending pops the half-open SessionKey previously stored for
// target, if any.
func (g *Global) TakeRelayPending(target PeerID) (*keystore.SessionKey, bool) {
	g.relayMu.Lock()
	defer g.relayMu.Unlock()
	sk, ok := g.relayPending[target]
	if ok {
		delete(g.relayPending, target)
	}
	return sk, ok
}

// BindTransport registers the send channel for a bound transport kind.
func (g *Global) BindTransport(kind TransportKind, ch chan<- TransportSendMessage) {
	g.transportMu.Lock()
	defer g.transportMu.Unlock()
	g.transports[kind] = ch
}

// TransportSendFor returns the send channel for kind, if bound.
func (g *Global) TransportSendFor(kind TransportKind) (chan<- TransportSendMessage, bool) {
	g.transportMu.Lock()
	defer g.transportMu.Unlock()
	ch, ok := g.transports[kind]
	return ch, ok
}

// DeliverReceive surfaces a ReceiveMessage to the application.
func (g *Global) DeliverReceive(msg ReceiveMessage) {
	select {
	case g.receive <- msg:
	default:
		log.Overlay.Warn().Str("kind", deliverKindName(msg.Kind)).Msg("receive channel full, dropping notification")
	}
}

// DeliverDelivery emits a Delivery receipt, truncating data to the
// configured delivery_length.
func (g *Global) DeliverDelivery(kind DeliveryKind, tid uint64, success bool, data []byte) {
	if tid == 0 {
		return // broadcasts and tid==0 requests produce no Delivery
	}
	n := g.Options.DeliveryLength
	if n > len(data) {
		n = len(data)
	}
	g.DeliverReceive(ReceiveMessage{
		Kind:         ReceiveDelivery,
		DeliveryKind: kind,
		Tid:          tid,
		Success:      success,
		Data:         append([]byte(nil), data[:n]...),
	})
}

func deliverKindName(k ReceiveKind) string {
	switch k {
	case ReceiveData:
		return "data"
	case ReceiveStableConnect:
		return "stable_connect"
	case ReceiveStableResult:
		return "stable_result"
	case ReceiveResultConnect:
		return "result_connect"
	case ReceiveStableLeave:
		return "stable_leave"
	case ReceiveStream:
		return "stream"
	case ReceiveDelivery:
		return "delivery"
	case ReceiveNetworkLost:
		return "network_lost"
	default:
		return "unknown"
	}
}
