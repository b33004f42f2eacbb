package overlay

import (
	"context"
	"net"
	"sync"

	"github.com/klingonmesh/meshnet/internal/log"
	"github.com/rs/zerolog"
)

// TCPTransport implements Transport over plain TCP sockets (spec.md §3:
// "TCP required to function"). Framing and the cleartext handshake are
// shared with QUIC via transport.go's writeFrame/readFrame/runConnection.
type TCPTransport struct {
	mu       sync.Mutex
	listener net.Listener
}

// NewTCPTransport constructs an unbound TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Kind() TransportKind { return TransportTCP }

func (t *TCPTransport) Run(ctx context.Context, listenAddr string, local RemotePublic, send <-chan TransportSendMessage, recv chan<- TransportRecvMessage) error {
	logger := log.WithComponent("transport-tcp")

	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
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
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				go func() {
					if err := runConnection(ctx, TransportTCP, conn.RemoteAddr().String(), conn, local, nil, recv); err != nil {
						logger.Debug().Err(err).Msg("inbound tcp handshake failed")
					}
				}()
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

func (t *TCPTransport) dial(ctx context.Context, msg TransportSendMessage, local RemotePublic, recv chan<- TransportRecvMessage, logger zerolog.Logger) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", msg.Addr)
	if err != nil {
		logger.Warn().Str("addr", msg.Addr).Err(err).Msg("tcp dial failed")
		return
	}
	if err := runConnection(ctx, TransportTCP, msg.Addr, conn, local, msg.SessionKey, recv); err != nil {
		logger.Debug().Err(err).Msg("outbound tcp handshake failed")
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
