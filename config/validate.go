package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// peerIDHexLen is the hex-encoded length of a 32-byte peer id.
const peerIDHexLen = 64

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}

	switch strings.ToLower(cfg.Peer.Transport) {
	case "tcp", "quic":
		cfg.Peer.Transport = strings.ToLower(cfg.Peer.Transport)
	default:
		return fmt.Errorf("peer.transport must be %q or %q, got %q", "tcp", "quic", cfg.Peer.Transport)
	}

	if cfg.Peer.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Peer.ListenAddr); err != nil {
			return fmt.Errorf("peer.listen must be host:port: %w", err)
		}
	}

	if err := validateAddrList(cfg.Allowlist, "allowlist"); err != nil {
		return err
	}
	if err := validateAddrList(cfg.Blocklist, "blocklist"); err != nil {
		return err
	}
	if err := validatePeerIDList(cfg.AllowPeerList, "allow_peer_list"); err != nil {
		return err
	}
	if err := validatePeerIDList(cfg.BlockPeerList, "block_peer_list"); err != nil {
		return err
	}

	if cfg.DeliveryLength < 0 {
		return fmt.Errorf("delivery_length must be >= 0, got %d", cfg.DeliveryLength)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level)
	}

	return nil
}

// validateAddrList checks that every entry is a host:port pair. CIDR-style
// filter entries (e.g. "10.0.0.0/8") are accepted without a port.
func validateAddrList(addrs []string, field string) error {
	for i, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		if strings.Contains(a, "/") {
			if _, _, err := net.ParseCIDR(a); err != nil {
				return fmt.Errorf("%s[%d] is not a valid CIDR: %w", field, i, err)
			}
			continue
		}
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("%s[%d] must be host:port or CIDR: %w", field, i, err)
		}
	}
	return nil
}

func validatePeerIDList(ids []string, field string) error {
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		s := strings.ToLower(strings.TrimSpace(id))
		if s == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		b, err := hex.DecodeString(s)
		if err != nil || len(s) != peerIDHexLen || len(b) != peerIDHexLen/2 {
			return fmt.Errorf("%s[%d] must be a 32-byte hex peer id", field, i)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%s has duplicate peer id %q", field, s)
		}
		seen[s] = struct{}{}
		ids[i] = s
	}
	return nil
}
