// Meshnet overlay example daemon.
//
// Usage:
//
//	meshnetd --listen=127.0.0.1:7001                     Run node
//	meshnetd --listen=127.0.0.1:7002 --allowlist=...      Run node with bootstrap peers
//	meshnetd --help                                       Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/klingonmesh/meshnet/config"
	"github.com/klingonmesh/meshnet/internal/log"
	"github.com/klingonmesh/meshnet/internal/overlay"
	"github.com/klingonmesh/meshnet/internal/storage"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/meshnet.log"
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.WithComponent("node")

	logger.Info().Str("datadir", cfg.DataDir).Msg("Starting meshnet overlay node")

	// ── 3. Open storage ──────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBDir()).Msg("Failed to open database")
	}
	defer db.Close()

	// ── 4. Resolve listen transport ───────────────────────────────────────
	transportKind, err := overlay.TransportKindFromString(orDefault(cfg.Peer.Transport, "tcp"))
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Peer.Transport).Msg("Unrecognized transport kind")
	}

	// ── 5. Start the overlay node ──────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Allowlist host:port entries are the bootstrap seeds; CIDR entries name
	// no single peer and are skipped.
	var bootstrap []overlay.Peer
	for _, addr := range cfg.Allowlist {
		if !strings.Contains(addr, "/") {
			bootstrap = append(bootstrap, overlay.Peer{Transport: transportKind, Addr: addr})
		}
	}

	handle, err := overlay.Start(ctx, overlay.Config{
		ListenAddrs: map[overlay.TransportKind]string{transportKind: cfg.Peer.ListenAddr},
		Bootstrap:   bootstrap,
		DB:          db,
		Options: overlay.Options{
			Permission:     cfg.Permission,
			OnlyStableData: cfg.OnlyStableData,
			DeliveryLength: cfg.DeliveryLength,
		},
		Allowlist:  cfg.Allowlist,
		Blocklist:  cfg.Blocklist,
		AllowPeers: cfg.AllowPeerList,
		BlockPeers: cfg.BlockPeerList,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start overlay node")
	}

	logger.Info().
		Str("id", handle.Self().Hex()).
		Str("listen", cfg.Peer.ListenAddr).
		Str("transport", transportKind.String()).
		Msg("Overlay node started")

	// ── 6. Relay every application-facing notification to the log ─────────
	go func() {
		for msg := range handle.Receive() {
			logReceiveMessage(logger, msg)
		}
	}()

	// ── 7. Wait for shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := handle.Stop(db); err != nil {
		logger.Warn().Err(err).Msg("Error during shutdown")
	}
	logger.Info().Msg("Goodbye!")
}

// logReceiveMessage surfaces an application notification as a structured log
// line; a real application would instead dispatch these to its own logic.
func logReceiveMessage(logger zerolog.Logger, msg overlay.ReceiveMessage) {
	switch msg.Kind {
	case overlay.ReceiveDelivery:
		logger.Info().
			Uint64("tid", msg.Tid).
			Bool("success", msg.Success).
			Msg("delivery receipt")
	case overlay.ReceiveData:
		logger.Info().
			Str("from", msg.From.ID.Hex()).
			Int("bytes", len(msg.Data)).
			Msg("data received")
	case overlay.ReceiveStableConnect:
		logger.Info().Str("from", msg.From.ID.Hex()).Msg("stable-connect received")
	case overlay.ReceiveStableResult:
		logger.Info().Bool("ok", msg.IsOk).Msg("stable-result received")
	case overlay.ReceiveStableLeave:
		logger.Info().Str("peer", msg.From.ID.Hex()).Msg("stable peer left")
	case overlay.ReceiveNetworkLost:
		logger.Warn().Msg("network lost: no peers remain")
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
