package overlay

import (
	"bytes"
	"testing"
)

func TestDecodeFrame_Data(t *testing.T) {
	encoded := encodeDataFrame([]byte("hello world"))
	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameData {
		t.Errorf("kind = %v, want frameData", f.kind)
	}
	if !bytes.Equal(f.payload, []byte("hello world")) {
		t.Errorf("payload = %q, want %q", f.payload, "hello world")
	}
}

func TestDecodeFrame_StableConnect(t *testing.T) {
	encoded := encodeStableConnectFrame([]byte("offer"))
	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameStableConnect || !bytes.Equal(f.payload, []byte("offer")) {
		t.Errorf("got %+v, want stable-connect frame with payload %q", f, "offer")
	}
}

func TestDecodeFrame_StableResult(t *testing.T) {
	tests := []struct {
		name           string
		isOk, isForce  bool
	}{
		{"accept", true, false},
		{"reject", false, false},
		{"forced accept", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := encodeStableResultFrame(tt.isOk, tt.isForce, []byte("reply"))
			f, err := decodeFrame(encoded)
			if err != nil {
				t.Fatalf("decodeFrame() error: %v", err)
			}
			if f.kind != frameStableResult {
				t.Fatalf("kind = %v, want frameStableResult", f.kind)
			}
			if f.isOk != tt.isOk || f.isForce != tt.isForce {
				t.Errorf("isOk=%v isForce=%v, want isOk=%v isForce=%v", f.isOk, f.isForce, tt.isOk, tt.isForce)
			}
			if !bytes.Equal(f.payload, []byte("reply")) {
				t.Errorf("payload = %q, want %q", f.payload, "reply")
			}
		})
	}
}

func TestDecodeFrame_StableResult_TooShort(t *testing.T) {
	if _, err := decodeFrame([]byte{byte(frameStableResult), 1}); err == nil {
		t.Error("expected error decoding a truncated stable-result frame")
	}
}

func TestDecodeFrame_RelayData_RoundTrip(t *testing.T) {
	from := testPeerID(t, 0x02)
	target := testPeerID(t, 0x03)
	encoded := encodeRelayDataFrame(from, target, 5, []byte("payload"))

	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameRelayData {
		t.Fatalf("kind = %v, want frameRelayData", f.kind)
	}
	if f.from != from || f.target != target || f.ttl != 5 {
		t.Errorf("from=%v target=%v ttl=%d, want from=%v target=%v ttl=5", f.from, f.target, f.ttl, from, target)
	}
	if !bytes.Equal(f.payload, []byte("payload")) {
		t.Errorf("payload = %q, want %q", f.payload, "payload")
	}
}

func TestDecodeFrame_RelayConnect_RoundTrip(t *testing.T) {
	from := testPeerID(t, 0x02)
	target := testPeerID(t, 0x03)
	handshake := bytes.Repeat([]byte{0xAB}, relayHandshakeSize)
	encoded := encodeRelayConnectFrame(from, target, 8, handshake)

	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameRelayConnect {
		t.Fatalf("kind = %v, want frameRelayConnect", f.kind)
	}
	if f.from != from || f.target != target || f.ttl != 8 {
		t.Errorf("from=%v target=%v ttl=%d, want from=%v target=%v ttl=8", f.from, f.target, f.ttl, from, target)
	}
	if !bytes.Equal(f.payload, handshake) {
		t.Error("relay-connect payload should round-trip the handshake bytes exactly")
	}
}

func TestDecodeFrame_RelayComplete_RoundTrip(t *testing.T) {
	from := testPeerID(t, 0x04)
	target := testPeerID(t, 0x05)
	handshake := bytes.Repeat([]byte{0xCD}, relayHandshakeSize)
	encoded := encodeRelayCompleteFrame(from, target, 3, handshake)

	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameRelayComplete {
		t.Fatalf("kind = %v, want frameRelayComplete", f.kind)
	}
	if f.from != from || f.target != target || f.ttl != 3 {
		t.Errorf("from=%v target=%v ttl=%d, want from=%v target=%v ttl=3", f.from, f.target, f.ttl, from, target)
	}
	if !bytes.Equal(f.payload, handshake) {
		t.Error("relay-complete payload should round-trip the handshake bytes exactly")
	}
}

func TestDecodeFrame_Close(t *testing.T) {
	f, err := decodeFrame(encodeCloseFrame())
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameClose {
		t.Errorf("kind = %v, want frameClose", f.kind)
	}
}

func TestDecodeFrame_DHTHint_RoundTrip(t *testing.T) {
	peers := []Peer{
		{ID: testPeerID(t, 0x02), Transport: TransportTCP, Addr: "127.0.0.1:7001"},
		{ID: testPeerID(t, 0x03), Transport: TransportQUIC, Addr: "127.0.0.1:7002", AssistRelay: testPeerID(t, 0x04)},
	}
	encoded := encodeDHTHintFrame(peers)

	f, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if f.kind != frameDHTHint {
		t.Fatalf("kind = %v, want frameDHTHint", f.kind)
	}
	if len(f.dhtPeers) != len(peers) {
		t.Fatalf("decoded %d peers, want %d", len(f.dhtPeers), len(peers))
	}
	for i, p := range f.dhtPeers {
		want := peers[i]
		if p.ID != want.ID || p.Transport != want.Transport || p.Addr != want.Addr || p.AssistRelay != want.AssistRelay {
			t.Errorf("peer %d = %+v, want %+v", i, p, want)
		}
	}
}

func TestDecodeFrame_EmptyPlaintext(t *testing.T) {
	if _, err := decodeFrame(nil); err == nil {
		t.Error("expected error decoding an empty plaintext")
	}
}

func TestDecodeFrame_UnknownOpcode(t *testing.T) {
	if _, err := decodeFrame([]byte{0xFF}); err == nil {
		t.Error("expected error decoding an unrecognized frame opcode")
	}
}

func TestDecodeFrame_RelayConnect_TooShort(t *testing.T) {
	if _, err := decodeFrame([]byte{byte(frameRelayConnect), 1, 2, 3}); err == nil {
		t.Error("expected error decoding a truncated relay-connect frame")
	}
}

func TestDecodeFrame_RelayComplete_TooShort(t *testing.T) {
	if _, err := decodeFrame([]byte{byte(frameRelayComplete), 1, 2, 3}); err == nil {
		t.Error("expected error decoding a truncated relay-complete frame")
	}
}
