package overlay

import (
	"testing"
	"time"

	"github.com/klingonmesh/meshnet/internal/keystore"
)

// newTestDispatcher builds a Dispatcher over a fresh Global, recording every
// connectDirect/connectRelay call it makes.
func newTestDispatcher(t *testing.T) (d *Dispatcher, g *Global, receive chan ReceiveMessage, directCalls, relayCalls *[]Peer) {
	t.Helper()
	id, err := keystore.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	receive = make(chan ReceiveMessage, 16)
	g = NewGlobal(id, Options{DeliveryLength: 256}, receive)

	var directLog, relayLog []Peer
	d = NewDispatcher(g, nil, func(p Peer) {
		directLog = append(directLog, p)
	}, func(p Peer, via PeerID) {
		relayLog = append(relayLog, p)
	})
	return d, g, receive, &directLog, &relayLog
}

func TestDispatcher_StableConnect_SelfTarget(t *testing.T) {
	d, g, receive, _, _ := newTestDispatcher(t)

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 1, To: Peer{ID: g.Self}})

	msg := expectReceive(t, receive, ReceiveDelivery)
	if msg.Success || msg.DeliveryKind != DeliveryStableConnect {
		t.Errorf("self-targeted stable-connect should deliver a failed receipt, got %+v", msg)
	}
}

func TestDispatcher_StableConnect_SpawnsDirectWhenSocketKnown(t *testing.T) {
	d, _, _, directLog, relayLog := newTestDispatcher(t)
	peer := Peer{ID: testPeerID(t, 0x02), Addr: "127.0.0.1:7001"}

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 1, To: peer})

	if len(*directLog) != 1 || (*directLog)[0].ID != peer.ID {
		t.Errorf("connectDirect calls = %+v, want one call for %v", *directLog, peer.ID)
	}
	if len(*relayLog) != 0 {
		t.Error("connectRelay should not be called when a socket address is known")
	}
}

func TestDispatcher_StableConnect_SpawnsRelayWhenNoSocket(t *testing.T) {
	d, _, _, directLog, relayLog := newTestDispatcher(t)
	peer := Peer{ID: testPeerID(t, 0x02), AssistRelay: testPeerID(t, 0x03)}

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 1, To: peer})

	if len(*relayLog) != 1 || (*relayLog)[0].ID != peer.ID {
		t.Errorf("connectRelay calls = %+v, want one call for %v", *relayLog, peer.ID)
	}
	if len(*directLog) != 0 {
		t.Error("connectDirect should not be called when no socket address is known")
	}
}

func TestDispatcher_StableConnect_FailsWhenUnreachable(t *testing.T) {
	d, _, receive, _, _ := newTestDispatcher(t)
	peer := Peer{ID: testPeerID(t, 0x02)}

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 5, To: peer})

	msg := expectReceive(t, receive, ReceiveDelivery)
	if msg.Success || msg.Tid != 5 {
		t.Errorf("unreachable target should produce a failed delivery, got %+v", msg)
	}
}

func TestDispatcher_StableConnect_DedupsOutstandingAttempt(t *testing.T) {
	d, g, _, directLog, _ := newTestDispatcher(t)
	peer := Peer{ID: testPeerID(t, 0x02), Addr: "127.0.0.1:7001"}

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 1, To: peer})
	d.handle(SendMessage{Kind: SendStableConnect, Tid: 2, To: peer})

	if len(*directLog) != 1 {
		t.Errorf("connectDirect should only be called once per outstanding attempt, got %d calls", len(*directLog))
	}
	if !g.Buffer.HasConnect(peer.ID) {
		t.Error("an outstanding pending-connect entry should exist for the deduped target")
	}
}

func TestDispatcher_StableConnect_UsesExistingSession(t *testing.T) {
	d, g, _, directLog, _ := newTestDispatcher(t)
	peer := testPeerID(t, 0x02)
	sessionCh := make(chan SessionMessage, 4)
	g.Registry.AddDHT(peer, Peer{ID: peer}, sessionCh, nil)

	d.handle(SendMessage{Kind: SendStableConnect, Tid: 1, To: Peer{ID: peer}, Data: []byte("offer")})

	select {
	case msg := <-sessionCh:
		if msg.Kind != SessionStableConnect || string(msg.Data) != "offer" {
			t.Errorf("got %+v, want SessionStableConnect with data %q", msg, "offer")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the dispatcher to send on the existing session")
	}
	if len(*directLog) != 0 {
		t.Error("connectDirect should not fire when a session already exists")
	}
}

func TestDispatcher_Data_SelfTarget(t *testing.T) {
	d, g, receive, _, _ := newTestDispatcher(t)

	d.handle(SendMessage{Kind: SendData, Tid: 9, PeerID: g.Self, Data: []byte("loopback")})

	delivery := expectReceive(t, receive, ReceiveDelivery)
	if !delivery.Success || delivery.Tid != 9 {
		t.Errorf("self-addressed data should deliver a successful receipt, got %+v", delivery)
	}
	recv := expectReceive(t, receive, ReceiveData)
	if string(recv.Data) != "loopback" {
		t.Errorf("self-addressed data should also surface as ReceiveData, got %+v", recv)
	}
}

func TestDispatcher_Data_RelaysWhenInexactAndAllowed(t *testing.T) {
	d, g, _, _, _ := newTestDispatcher(t)
	g.Options.Permission = false
	known := testPeerID(t, 0x02)
	sessionCh := make(chan SessionMessage, 4)
	g.Registry.AddDHT(known, Peer{ID: known}, sessionCh, nil)

	unreachable := testPeerID(t, 0x09)
	d.handle(SendMessage{Kind: SendData, Tid: 1, PeerID: unreachable, Data: []byte("hop")})

	select {
	case msg := <-sessionCh:
		if msg.Kind != SessionRelayData || msg.ToID != unreachable {
			t.Errorf("got %+v, want SessionRelayData addressed to %v", msg, unreachable)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relay-data dispatch to the closest known peer")
	}
}

func TestDispatcher_Data_FailsWhenInexactAndPermissioned(t *testing.T) {
	d, g, receive, _, _ := newTestDispatcher(t)
	g.Options.Permission = true
	known := testPeerID(t, 0x02)
	g.Registry.AddDHT(known, Peer{ID: known}, make(chan SessionMessage, 1), nil)

	unreachable := testPeerID(t, 0x09)
	d.handle(SendMessage{Kind: SendData, Tid: 3, PeerID: unreachable, Data: []byte("hop")})

	delivery := expectReceive(t, receive, ReceiveDelivery)
	if delivery.Success || delivery.Tid != 3 {
		t.Errorf("a permissioned node should not relay to an inexact target, got %+v", delivery)
	}
}

func TestDispatcher_StableDisconnect_ClosesExactSession(t *testing.T) {
	d, g, _, _, _ := newTestDispatcher(t)
	peer := testPeerID(t, 0x02)
	sessionCh := make(chan SessionMessage, 1)
	g.Registry.AddDHT(peer, Peer{ID: peer}, sessionCh, nil)

	d.handle(SendMessage{Kind: SendStableDisconnect, PeerID: peer})

	select {
	case msg := <-sessionCh:
		if msg.Kind != SessionClose {
			t.Errorf("kind = %v, want SessionClose", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the close message")
	}
}

func TestDispatcher_Broadcast_StableAllReachesOnlyStablePeers(t *testing.T) {
	d, g, _, _, _ := newTestDispatcher(t)
	stable := testPeerID(t, 0x02)
	dhtOnly := testPeerID(t, 0x03)
	stableCh := make(chan SessionMessage, 1)
	dhtCh := make(chan SessionMessage, 1)
	g.Registry.AddStable(stable, Peer{ID: stable}, DirectConn(), stableCh, nil)
	g.Registry.AddDHT(dhtOnly, Peer{ID: dhtOnly}, dhtCh, nil)

	d.handle(SendMessage{Kind: SendBroadcast, Broadcast: BroadcastStableAll, Data: []byte("gossip")})

	select {
	case msg := <-stableCh:
		if string(msg.Data) != "gossip" {
			t.Errorf("data = %q, want %q", msg.Data, "gossip")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the broadcast to reach the Stable peer")
	}
	select {
	case msg := <-dhtCh:
		t.Errorf("BroadcastStableAll should not reach DHT-only peers, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
		// expected
	}
}

func TestDispatcher_NetworkState_StableListRoundTrip(t *testing.T) {
	d, g, _, _, _ := newTestDispatcher(t)
	peer := testPeerID(t, 0x02)
	g.Registry.AddStable(peer, Peer{ID: peer}, DirectConn(), make(chan SessionMessage, 1), nil)

	reply := make(chan NetworkStateResponse, 1)
	d.handle(SendMessage{Kind: SendNetworkState, StateRequest: NetworkStateStableList, StateReply: reply})

	select {
	case resp := <-reply:
		if len(resp.StableList) != 1 || resp.StableList[0].ID != peer {
			t.Errorf("StableList = %+v, want [%v]", resp.StableList, peer)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the network-state reply")
	}
}

func TestDispatcher_NetworkReboot_ReconnectsBootstrapPeers(t *testing.T) {
	d, g, _, directLog, _ := newTestDispatcher(t)
	boot := Peer{ID: testPeerID(t, 0x02), Addr: "127.0.0.1:7001"}
	g.Registry.SetBootstrap([]Peer{boot})

	d.handle(SendMessage{Kind: SendNetworkReboot})

	if len(*directLog) != 1 || (*directLog)[0].ID != boot.ID {
		t.Errorf("connectDirect calls = %+v, want one call for bootstrap peer %v", *directLog, boot.ID)
	}
}
