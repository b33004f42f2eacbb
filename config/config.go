// Package config handles application configuration for the overlay node.
//
// Configuration is loaded in three stages, each overriding the last:
// built-in defaults, an optional config file, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// STORAGE_NAME is the subdirectory of DataDir holding persisted overlay
// state (identity key and peer-list snapshot), per spec.md §6.
const STORAGE_NAME = "meshnet"

// STORAGE_KEY_KEY and STORAGE_PEER_LIST_KEY are file names that no code
// reads or writes: the identity keypair and the peer list are stored as keys
// in the Badger database at DBDir() (see internal/overlay/persist.go).
const (
	STORAGE_KEY_KEY       = "identity.key"
	STORAGE_PEER_LIST_KEY = "peers.json"
)

// Config holds the recognized options from spec.md §6 plus the ambient
// settings (logging, listen transport) a runnable node needs.
type Config struct {
	// DataDir is the root directory; db_dir is DataDir/STORAGE_NAME.
	DataDir string `conf:"datadir"`

	// Peer is this node's local descriptor (socket + transport kind).
	Peer PeerConfig

	// Allowlist holds bootstrap seed addresses: cmd/meshnetd dials its
	// host:port entries at start and on NetworkReboot; it does not restrict
	// which addresses may connect. Blocklist is an address-level filter.
	Allowlist []string `conf:"allowlist"`
	Blocklist []string `conf:"blocklist"`

	// AllowPeerList / BlockPeerList are hex peer ids; BlockPeerList is an
	// id-level filter, AllowPeerList is accepted but not consulted.
	AllowPeerList []string `conf:"allow_peer_list"`
	BlockPeerList []string `conf:"block_peer_list"`

	// Permission: if true, unknown peers cannot send Data.
	Permission bool `conf:"permission"`

	// OnlyStableData: if true, suppress inbound Data from non-Stable peers.
	OnlyStableData bool `conf:"only_stable_data"`

	// DeliveryLength is the number of payload bytes included in each
	// Delivery receipt.
	DeliveryLength int `conf:"delivery_length"`

	// Logging.
	Log LogConfig
}

// PeerConfig is the local Peer descriptor: listen address and transport kind.
type PeerConfig struct {
	ListenAddr string `conf:"peer.listen"` // e.g. "127.0.0.1:7001"
	Transport  string `conf:"peer.transport"` // "quic" or "tcp"
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.meshnet
//	macOS:   ~/Library/Application Support/Meshnet
//	Windows: %APPDATA%\Meshnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Meshnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Meshnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Meshnet")
	default:
		return filepath.Join(home, ".meshnet")
	}
}

// DBDir returns db_dir: the directory holding the identity key and
// peer-list snapshot.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, STORAGE_NAME)
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "meshnet.conf")
}
