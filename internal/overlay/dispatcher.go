package overlay

import (
	"github.com/klingonmesh/meshnet/internal/log"
)

// Dispatcher is the single long-running consumer of the application's
// outbound request stream (C6). It translates each SendMessage into
// registry reads, session sends, or new-connection spawns, and emits
// Delivery receipts for tid != 0 requests.
type Dispatcher struct {
	global *Global
	inbox  <-chan SendMessage

	// connectDirect and connectRelay spawn a new outbound connection
	// attempt (direct or relayed) for a peer not yet known. Set by node.go, which owns the
	// transport plane and session-spawning machinery.
	connectDirect func(peer Peer)
	connectRelay  func(peer Peer, via PeerID)
}

// NewDispatcher creates a dispatcher consuming inbox, using connectDirect
// and connectRelay to spawn new outbound connection attempts.
func NewDispatcher(g *Global, inbox <-chan SendMessage, connectDirect func(Peer), connectRelay func(Peer, PeerID)) *Dispatcher {
	return &Dispatcher{
		global:        g,
		inbox:         inbox,
		connectDirect: connectDirect,
		connectRelay:  connectRelay,
	}
}

// Run consumes the outbound channel until it closes.
func (d *Dispatcher) Run() {
	for msg := range d.inbox {
		d.handle(msg)
	}
}

func (d *Dispatcher) handle(msg SendMessage) {
	switch msg.Kind {
	case SendStableConnect:
		d.handleStableConnect(msg)
	case SendStableResult:
		d.handleStableResult(msg)
	case SendStableDisconnect:
		d.handleStableDisconnect(msg)
	case SendConnect:
		d.handleConnect(msg)
	case SendDisConnect:
		d.handleDisconnect(msg)
	case SendData:
		d.handleData(msg)
	case SendBroadcast:
		d.handleBroadcast(msg)
	case SendStream:
		// Reserved; unimplemented (spec §6: "Stream(...) (reserved; unimplemented)").
		log.Dispatch.Debug().Msg("Stream request ignored: unimplemented")
	case SendNetworkState:
		d.handleNetworkState(msg)
	case SendNetworkReboot:
		d.handleNetworkReboot()
	}
}

func (d *Dispatcher) handleStableConnect(msg SendMessage) {
	if msg.To.ID == d.global.Self {
		d.global.DeliverDelivery(DeliveryStableConnect, msg.Tid, false, msg.Data)
		return
	}

	sessionSend, _, exact, ok := d.global.Registry.Get(msg.To.ID)
	if ok {
		if exact {
			send(sessionSend, SessionMessage{Kind: SessionStableConnect, Tid: msg.Tid, Data: msg.Data})
			return
		}
		// Inexact (closest-peer): not reachable here; the dispatcher does
		// not auto-relay stable-connect through intermediate peers.
		d.global.DeliverDelivery(DeliveryStableConnect, msg.Tid, false, msg.Data)
		return
	}

	if tmpSend, ok := d.global.Buffer.GetTmpSession(msg.To.ID); ok {
		send(tmpSend, SessionMessage{Kind: SessionStableConnect, Tid: msg.Tid, Data: msg.Data})
		return
	}

	if d.global.Buffer.AddConnect(msg.To.ID, msg.Tid, msg.Data) {
		return // an outstanding connect attempt already exists
	}

	if _, hasSocket := msg.To.EffectiveSocket(); hasSocket {
		d.connectDirect(msg.To)
		return
	}
	if msg.To.HasRelay() {
		d.connectRelay(msg.To, msg.To.AssistRelay)
		return
	}
	// No socket and no known relay: cannot even attempt a connection.
	if _, _, _, ok := d.global.Buffer.RemoveConnect(msg.To.ID); ok {
		d.global.DeliverDelivery(DeliveryStableConnect, msg.Tid, false, msg.Data)
	}
}

func (d *Dispatcher) handleStableResult(msg SendMessage) {
	if msg.To.ID == d.global.Self {
		d.global.DeliverDelivery(DeliveryStableResult, msg.Tid, false, msg.Data)
		return
	}

	sessionSend, _, exact, ok := d.global.Registry.Get(msg.To.ID)
	if ok {
		if exact {
			send(sessionSend, SessionMessage{Kind: SessionStableResult, Tid: msg.Tid, IsOk: msg.IsOk, IsForce: msg.IsForce, Data: msg.Data})
			return
		}
		// Inexact (closest-peer): not reachable here, same as StableConnect.
		d.global.DeliverDelivery(DeliveryStableResult, msg.Tid, false, msg.Data)
		return
	}

	if tmpSend, ok := d.global.Buffer.GetTmpSession(msg.To.ID); ok {
		send(tmpSend, SessionMessage{Kind: SessionStableResult, Tid: msg.Tid, IsOk: msg.IsOk, IsForce: msg.IsForce, Data: msg.Data})
		return
	}

	if d.global.Buffer.AddResult(msg.To.ID, msg.Tid, msg.Data) {
		return // an outstanding result attempt already exists
	}

	if _, hasSocket := msg.To.EffectiveSocket(); hasSocket {
		d.connectDirect(msg.To)
		return
	}
	if msg.To.HasRelay() {
		d.connectRelay(msg.To, msg.To.AssistRelay)
		return
	}
	// No socket and no known relay: cannot even attempt a connection.
	if _, _, _, ok := d.global.Buffer.RemoveResult(msg.To.ID); ok {
		d.global.DeliverDelivery(DeliveryStableResult, msg.Tid, false, msg.Data)
	}
}

func (d *Dispatcher) handleStableDisconnect(msg SendMessage) {
	sessionSend, _, exact, ok := d.global.Registry.Get(msg.PeerID)
	if ok && exact {
		send(sessionSend, SessionMessage{Kind: SessionClose})
	}
}

func (d *Dispatcher) handleConnect(msg SendMessage) {
	if _, hasSocket := msg.To.EffectiveSocket(); hasSocket {
		d.connectDirect(msg.To)
		return
	}
	if msg.To.HasRelay() {
		d.connectRelay(msg.To, msg.To.AssistRelay)
	}
}

func (d *Dispatcher) handleDisconnect(msg SendMessage) {
	if addr, ok := msg.To.EffectiveSocket(); ok {
		d.global.Registry.PeerDisconnect(addr)
	}
}

func (d *Dispatcher) handleData(msg SendMessage) {
	if msg.PeerID == d.global.Self {
		d.global.DeliverDelivery(DeliveryData, msg.Tid, true, msg.Data)
		d.global.DeliverReceive(ReceiveMessage{Kind: ReceiveData, From: Peer{ID: d.global.Self}, Data: msg.Data})
		return
	}

	sessionSend, _, exact, ok := d.global.Registry.Get(msg.PeerID)
	if !ok {
		d.global.DeliverDelivery(DeliveryData, msg.Tid, false, msg.Data)
		return
	}
	if exact {
		send(sessionSend, SessionMessage{Kind: SessionData, Tid: msg.Tid, Data: msg.Data})
		return
	}
	if !d.global.Options.Permission {
		send(sessionSend, SessionMessage{Kind: SessionRelayData, FromID: d.global.Self, ToID: msg.PeerID, TTL: int(d.global.Options.RelayTTL), Data: msg.Data})
		return
	}
	d.global.DeliverDelivery(DeliveryData, msg.Tid, false, msg.Data)
}

func (d *Dispatcher) handleBroadcast(msg SendMessage) {
	var targets []chan<- SessionMessage
	switch msg.Broadcast {
	case BroadcastStableAll:
		targets = d.global.Registry.StableAll()
	case BroadcastGossip:
		targets = d.global.Registry.All()
	}
	for _, sessionSend := range targets {
		send(sessionSend, SessionMessage{Kind: SessionData, Data: msg.Data})
	}
}

func (d *Dispatcher) handleNetworkState(msg SendMessage) {
	var resp NetworkStateResponse
	switch msg.StateRequest {
	case NetworkStateStableList:
		for _, id := range d.global.Registry.StableIDs() {
			resp.StableList = append(resp.StableList, Peer{ID: id})
		}
	case NetworkStateDhtKeys:
		resp.DhtKeys = d.global.Registry.DhtKeys()
	case NetworkStateBootstrap:
		resp.Bootstrap = d.global.Registry.Bootstrap()
	}
	if msg.StateReply != nil {
		select {
		case msg.StateReply <- resp:
		default:
		}
	}
}

func (d *Dispatcher) handleNetworkReboot() {
	for _, peer := range d.global.Registry.Bootstrap() {
		if _, hasSocket := peer.EffectiveSocket(); hasSocket {
			d.connectDirect(peer)
		}
	}
}

// send is a non-blocking best-effort send to a session inbox; a full inbox
// indicates a wedged or departing session, so the message is dropped
// rather than stalling the single dispatcher loop.
func send(ch chan<- SessionMessage, msg SessionMessage) {
	select {
	case ch <- msg:
	default:
		log.Dispatch.Warn().Msg("session inbox full, dropping message")
	}
}
