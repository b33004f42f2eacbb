package overlay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klingonmesh/meshnet/internal/keystore"
)

// maxFrameSize bounds a single length-prefixed wire frame. Anything larger
// is a protocol violation, not a legitimate oversized payload.
const maxFrameSize = 16 << 20

// lengthPrefixSize is the size, in bytes, of the big-endian uint32 length
// prefix every transport places before a frame.
const lengthPrefixSize = 4

// handshakeMagic identifies the cleartext handshake envelope exchanged
// immediately after a transport connection is established, before any
// session key exists.
const handshakeMagic = "MNH1"

// Transport is the pluggable connectivity abstraction (C2). Node wires one
// Transport per TransportKind it is configured to use; QUIC and TCP are the
// only required implementations (spec.md §3).
type Transport interface {
	Kind() TransportKind

	// Run starts accepting inbound connections on listenAddr (skipped if
	// empty) and consumes send for outbound Connect requests, delivering
	// every resulting stream to recv. It blocks until ctx is cancelled.
	Run(ctx context.Context, listenAddr string, local RemotePublic, send <-chan TransportSendMessage, recv chan<- TransportRecvMessage) error

	// Close releases any listening sockets held by this transport.
	Close() error
}

// wireConn is the minimal full-duplex byte-stream contract both the TCP and
// QUIC transports adapt their concrete connection types to, so the
// handshake and framing logic in this file is written exactly once.
type wireConn interface {
	io.Reader
	io.Writer
	Close() error
}

// writeFrame writes a length-prefixed frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("overlay: frame too large (%d bytes)", len(payload))
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("overlay: peer announced oversized frame (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handshakeEnvelope is the cleartext message exchanged once, immediately
// after the transport connection opens, carrying the long-term identity
// public key and the ephemeral X25519 public used to complete the session
// key (spec.md §4.1, "Handshake").
type handshakeEnvelope struct {
	pub    []byte // ed25519 public key, 32 bytes
	dh     []byte // x25519 ephemeral public, 32 bytes
	stream uint64 // 0 for the primary connection stream
}

func encodeHandshake(h handshakeEnvelope) []byte {
	out := make([]byte, 0, len(handshakeMagic)+32+32+8)
	out = append(out, handshakeMagic...)
	out = append(out, h.pub...)
	out = append(out, h.dh...)
	var streamBuf [8]byte
	binary.BigEndian.PutUint64(streamBuf[:], h.stream)
	return append(out, streamBuf[:]...)
}

func decodeHandshake(buf []byte) (handshakeEnvelope, error) {
	want := len(handshakeMagic) + 32 + 32 + 8
	if len(buf) != want {
		return handshakeEnvelope{}, fmt.Errorf("overlay: malformed handshake envelope")
	}
	if string(buf[:len(handshakeMagic)]) != handshakeMagic {
		return handshakeEnvelope{}, fmt.Errorf("overlay: bad handshake magic")
	}
	buf = buf[len(handshakeMagic):]
	return handshakeEnvelope{
		pub:    append([]byte(nil), buf[:32]...),
		dh:     append([]byte(nil), buf[32:64]...),
		stream: binary.BigEndian.Uint64(buf[64:72]),
	}, nil
}

// runConnection performs the cleartext handshake exchange over conn, then
// bridges frame-encoded ciphertext between conn and the channels surfaced
// to the inbound router as a TransportRecvMessage. local carries this
// node's own public identity and ephemeral DH bytes. isSelfHint, when
// non-nil, is the half-open SessionKey this side already generated for an
// outbound Dial (the passive Listen side always supplies nil, since it has
// no session key until the remote's handshake arrives).
func runConnection(ctx context.Context, kind TransportKind, addr string, conn wireConn, local RemotePublic, isSelfHint *keystore.SessionKey, recv chan<- TransportRecvMessage) error {
	local.DHBytes = trimTo32(local.DHBytes)

	if err := writeFrame(conn, encodeHandshake(handshakeEnvelope{pub: local.PublicKey, dh: local.DHBytes})); err != nil {
		conn.Close()
		return fmt.Errorf("overlay: send handshake: %w", err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("overlay: read handshake: %w", err)
	}
	remote, err := decodeHandshake(raw)
	if err != nil {
		conn.Close()
		return err
	}

	streamSend := make(chan []byte, 64)
	streamRecv := make(chan []byte, 64)
	endpointSend := make(chan EndpointFrame, 1)

	go pumpWrites(conn, streamSend)
	go pumpReads(conn, streamRecv, endpointSend)

	select {
	case recv <- TransportRecvMessage{
		Kind:         kind,
		Addr:         addr,
		RemotePublic: RemotePublic{PublicKey: remote.pub, DHBytes: remote.dh},
		IsSelf:       isSelfHint,
		StreamSend:   streamSend,
		StreamRecv:   streamRecv,
		EndpointSend: endpointSend,
	}:
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
	return nil
}

// pumpWrites drains framed ciphertext from send onto conn until either
// closes.
func pumpWrites(conn wireConn, send <-chan []byte) {
	for payload := range send {
		if err := writeFrame(conn, payload); err != nil {
			conn.Close()
			return
		}
	}
}

// pumpReads reads framed ciphertext off conn and delivers it to recv until
// the connection closes, then signals EndpointClose.
func pumpReads(conn wireConn, recv chan<- []byte, endpoint chan<- EndpointFrame) {
	defer close(recv)
	for {
		payload, err := readFrame(conn)
		if err != nil {
			select {
			case endpoint <- EndpointFrame{Kind: EndpointClose}:
			default:
			}
			return
		}
		recv <- payload
	}
}

func trimTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[:32]
	}
	out := make([]byte, 32)
	copy(out, b)
	return out
}
