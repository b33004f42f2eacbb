package overlay

import "github.com/klingonmesh/meshnet/internal/keystore"

// BroadcastKind selects the fan-out set for Broadcast requests.
type BroadcastKind int

const (
	// BroadcastStableAll reaches every currently-Stable peer (P5).
	BroadcastStableAll BroadcastKind = iota
	// BroadcastGossip reaches every registry entry (Stable ∪ DHT), single-hop.
	BroadcastGossip
)

// DeliveryKind identifies which outbound request a Delivery receipt
// corresponds to.
type DeliveryKind int

const (
	DeliveryStableConnect DeliveryKind = iota
	DeliveryStableResult
	DeliveryData
)

// NetworkStateRequest selects which synchronous snapshot NetworkState asks
// the dispatcher for.
type NetworkStateRequest int

const (
	NetworkStateStableList NetworkStateRequest = iota
	NetworkStateDhtKeys
	NetworkStateBootstrap
)

// NetworkStateResponse carries the answer to a NetworkState query. Exactly
// one of the fields is populated, matching the request kind.
type NetworkStateResponse struct {
	StableList []Peer
	DhtKeys    []PeerID
	Bootstrap  []Peer
}

// SendMessage is the application's outbound request surface, consumed by
// the dispatcher (C6).
type SendMessage struct {
	Kind SendKind

	// StableConnect / StableResult / Data
	Tid  uint64
	To   Peer
	Data []byte

	// StableResult
	IsOk    bool
	IsForce bool

	// StableDisconnect / Data (target by id only)
	PeerID PeerID

	// Broadcast
	Broadcast BroadcastKind

	// NetworkState
	StateRequest NetworkStateRequest
	StateReply   chan<- NetworkStateResponse

	// Stream (reserved; unimplemented)
	StreamSymbol string
	StreamType   string
}

// SendKind discriminates SendMessage variants.
type SendKind int

const (
	SendStableConnect SendKind = iota
	SendStableResult
	SendStableDisconnect
	SendConnect
	SendDisConnect
	SendData
	SendBroadcast
	SendStream
	SendNetworkState
	SendNetworkReboot
)

// ReceiveMessage is the application's inbound notification surface.
type ReceiveMessage struct {
	Kind ReceiveKind

	From Peer
	Data []byte

	IsOk bool

	// Delivery
	DeliveryKind DeliveryKind
	Tid          uint64
	Success      bool
}

// ReceiveKind discriminates ReceiveMessage variants.
type ReceiveKind int

const (
	ReceiveData ReceiveKind = iota
	ReceiveStableConnect
	ReceiveStableResult
	ReceiveResultConnect
	ReceiveStableLeave
	ReceiveStream
	ReceiveDelivery
	ReceiveNetworkLost
)

// SessionMessage is the inbound variant set delivered to a single session's
// inbox (C5).
type SessionMessage struct {
	Kind SessionKind

	Tid  uint64
	Data []byte

	// StableResult
	IsOk    bool
	IsForce bool

	// RelayData / RelayConnect
	FromID PeerID
	ToID   PeerID
	TTL    int

	// DirectIncoming
	Direct DirectIncoming
}

// SessionKind discriminates SessionMessage variants.
type SessionKind int

const (
	SessionData SessionKind = iota
	SessionStableConnect
	SessionStableResult
	SessionRelayData
	// SessionRelayDeliver hands a relay-forwarded ciphertext (in Data) to
	// the session keyed by its true originator, so that session's own key
	// decrypts it exactly as if it had arrived on a direct stream — the
	// mechanism that keeps a Stable-relay session end-to-end encrypted
	// even though its bytes cross an intermediary's RelayData hops.
	SessionRelayDeliver
	// SessionRelayConnect either originates (Data empty: generate our own
	// half-open key toward ToID) or forwards one hop further (Data holds
	// the already-generated handshake bytes) a relay-carried handshake
	// toward a peer with no direct transport path.
	SessionRelayConnect
	// SessionRelayComplete mirrors SessionRelayConnect for the reply leg:
	// either completes our own outstanding half-open key (Data holds the
	// responder's handshake bytes, addressed by ToID == original target)
	// or forwards the reply one hop further back toward the initiator.
	SessionRelayComplete
	SessionDirectIncoming
	SessionClose
)

// DirectIncoming carries a freshly handshaked direct transport, used to
// promote a Relay session to Direct without losing in-flight traffic.
type DirectIncoming struct {
	RemotePeer   Peer
	StreamSend   chan<- []byte
	StreamRecv   <-chan []byte
	EndpointSend chan<- EndpointFrame
}

// TransportSendMessage is what the dispatcher and sessions send down to a
// transport-kind task.
type TransportSendMessage struct {
	Kind TransportSendKind

	// Connect
	Addr         string
	RemotePublic RemotePublic
	SessionKey   *keystore.SessionKey

	// StreamOpen / Bytes
	StreamID uint64
	Peer     Peer
	Payload  []byte
}

// TransportSendKind discriminates TransportSendMessage variants.
type TransportSendKind int

const (
	TransportSendConnect TransportSendKind = iota
	TransportSendStreamOpen
	TransportSendBytes
)

// RemotePublic is the first application-visible frame exchanged on any new
// transport connection: public key, peer descriptor, and ephemeral DH
// bytes. The transport plane reads and writes exactly one of these per new
// connection before surfacing the stream to the inbound router.
type RemotePublic struct {
	PublicKey []byte
	Peer      Peer
	DHBytes   []byte
}

// EndpointFrame is a transport-visible pre-encryption control frame: Close,
// a DHT hint list, or a Handshake reply.
type EndpointFrame struct {
	Kind EndpointKind

	Peers        []Peer        // DHT
	RemotePublic *RemotePublic // Handshake
}

// EndpointKind discriminates EndpointFrame variants.
type EndpointKind int

const (
	EndpointClose EndpointKind = iota
	EndpointDHT
	EndpointHandshake
)

// TransportRecvMessage is what a transport-kind task hands to the inbound
// router (C7) for every newly accepted or completed connection.
type TransportRecvMessage struct {
	Kind         TransportKind
	Addr         string
	RemotePublic RemotePublic
	// IsSelf is non-nil iff this stream is the response to a locally
	// initiated Connect (carries the half-open SessionKey we generated).
	IsSelf *keystore.SessionKey

	StreamSend   chan<- []byte
	StreamRecv   <-chan []byte
	EndpointSend chan<- EndpointFrame
}
