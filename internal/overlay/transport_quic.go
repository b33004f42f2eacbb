package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"sync"
	"time"

	"github.com/klingonmesh/meshnet/internal/log"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

const (
	quicIdleTimeout     = 30 * time.Second
	quicKeepAlivePeriod = 10 * time.Second
	quicNextProto       = "meshnet/1"
)

// QUICTransport implements Transport over QUIC (spec.md §3: "QUIC required
// to function"). Each dial and each listener generates its own self-signed
// certificate (connections accepted by one listener share its certificate) —
// overlay peers authenticate each other via the Ed25519 identity exchanged
// in the cleartext handshake envelope, not via the TLS certificate chain,
// so there is nothing for a CA to vouch for.
type QUICTransport struct {
	mu       sync.Mutex
	listener *quic.Listener
}

// NewQUICTransport constructs an unbound QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

func (t *QUICTransport) Kind() TransportKind { return TransportQUIC }

func (t *QUICTransport) Run(ctx context.Context, listenAddr string, local RemotePublic, send <-chan TransportSendMessage, recv chan<- TransportRecvMessage) error {
	logger := log.WithComponent("transport-quic")

	if listenAddr != "" {
		tlsConf, err := selfSignedTLSConfig()
		if err != nil {
			return err
		}
		ln, err := quic.ListenAddr(listenAddr, tlsConf, quicConfig())
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.listener = ln
		t.mu.Unlock()

		go func() {
			<-ctx.Done()
			ln.Close()
		}()

		go func() {
			for {
				conn, err := ln.Accept(ctx)
				if err != nil {
					return
				}
				go t.acceptStream(ctx, conn, local, recv, logger)
			}
		}()

		logger.Info().Str("addr", listenAddr).Msg("listening")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-send:
			if !ok {
				return nil
			}
			if msg.Kind != TransportSendConnect {
				continue
			}
			go t.dial(ctx, msg, local, recv, logger)
		}
	}
}

// acceptStream waits for the peer to open its one stream on a freshly
// accepted connection and hands the resulting wireConn to runConnection.
func (t *QUICTransport) acceptStream(ctx context.Context, conn *quic.Conn, local RemotePublic, recv chan<- TransportRecvMessage, logger zerolog.Logger) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		logger.Debug().Err(err).Msg("accept stream failed")
		return
	}
	sc := &quicStreamConn{stream: stream, conn: conn}
	if err := runConnection(ctx, TransportQUIC, conn.RemoteAddr().String(), sc, local, nil, recv); err != nil {
		logger.Debug().Err(err).Msg("inbound quic handshake failed")
	}
}

// dial opens a new QUIC connection and its single stream to msg.Addr.
func (t *QUICTransport) dial(ctx context.Context, msg TransportSendMessage, local RemotePublic, recv chan<- TransportRecvMessage, logger zerolog.Logger) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		logger.Warn().Err(err).Msg("build tls config failed")
		return
	}
	conn, err := quic.DialAddr(ctx, msg.Addr, tlsConf, quicConfig())
	if err != nil {
		logger.Warn().Str("addr", msg.Addr).Err(err).Msg("quic dial failed")
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		logger.Warn().Str("addr", msg.Addr).Err(err).Msg("open stream failed")
		return
	}
	sc := &quicStreamConn{stream: stream, conn: conn}
	if err := runConnection(ctx, TransportQUIC, msg.Addr, sc, local, msg.SessionKey, recv); err != nil {
		logger.Debug().Err(err).Msg("outbound quic handshake failed")
	}
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	}
}

// selfSignedTLSConfig builds an ephemeral self-signed certificate, grounded
// on the teleport QUIC client's TLS setup (lib/proxy/peer/quic), minus
// cluster-certificate verification — overlay trust is established at the
// application layer by the Ed25519 handshake envelope.
func selfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour * 365),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{quicNextProto},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// quicStreamConn adapts a quic.Stream plus its owning quic.Conn to the
// wireConn contract shared with the TCP transport.
type quicStreamConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (c *quicStreamConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicStreamConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicStreamConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "")
}
