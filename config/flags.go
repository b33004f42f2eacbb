package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	DataDir string
	Config  string

	ListenAddr string
	Transport  string

	Allowlist     string
	Blocklist     string
	AllowPeerList string
	BlockPeerList string

	Permission     bool
	OnlyStableData bool
	DeliveryLength int

	LogLevel string
	LogFile  string
	LogJSON  bool

	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetPermission     bool
	SetOnlyStableData bool
	SetLogJSON        bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("meshnetd", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	fs.StringVar(&f.ListenAddr, "listen", "", "Local listen address, e.g. 127.0.0.1:7001")
	fs.StringVar(&f.Transport, "transport", "", "Transport kind: tcp or quic")

	fs.StringVar(&f.Allowlist, "allowlist", "", "Comma-separated bootstrap peer addresses")
	fs.StringVar(&f.Blocklist, "blocklist", "", "Comma-separated blocked addresses")
	fs.StringVar(&f.AllowPeerList, "allow-peer-list", "", "Comma-separated allowed peer ids (hex)")
	fs.StringVar(&f.BlockPeerList, "block-peer-list", "", "Comma-separated blocked peer ids (hex)")

	fs.BoolVar(&f.Permission, "permission", false, "Reject Data from unknown peers")
	fs.BoolVar(&f.OnlyStableData, "only-stable-data", false, "Suppress inbound Data from non-Stable peers")
	fs.IntVar(&f.DeliveryLength, "delivery-length", 0, "Bytes of payload included in each Delivery receipt")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	f.SetPermission = isFlagSet(fs, "permission")
	f.SetOnlyStableData = isFlagSet(fs, "only-stable-data")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.ListenAddr != "" {
		cfg.Peer.ListenAddr = f.ListenAddr
	}
	if f.Transport != "" {
		cfg.Peer.Transport = f.Transport
	}
	if f.Allowlist != "" {
		cfg.Allowlist = parseStringList(f.Allowlist)
	}
	if f.Blocklist != "" {
		cfg.Blocklist = parseStringList(f.Blocklist)
	}
	if f.AllowPeerList != "" {
		cfg.AllowPeerList = parseStringList(f.AllowPeerList)
	}
	if f.BlockPeerList != "" {
		cfg.BlockPeerList = parseStringList(f.BlockPeerList)
	}
	if f.SetPermission {
		cfg.Permission = f.Permission
	}
	if f.SetOnlyStableData {
		cfg.OnlyStableData = f.OnlyStableData
	}
	if f.DeliveryLength != 0 {
		cfg.DeliveryLength = f.DeliveryLength
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `meshnetd - overlay network example driver

Usage:
  meshnetd [options]
  meshnetd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --datadir       Data directory (default: ~/.meshnet)
  --config, -c    Config file path (default: <datadir>/meshnet.conf)
  --listen        Local listen address, e.g. 127.0.0.1:7001
  --transport     Transport kind: tcp (default) or quic

Filter Options:
  --allowlist          Comma-separated bootstrap peer addresses
  --blocklist          Comma-separated blocked addresses
  --allow-peer-list    Comma-separated allowed peer ids (hex)
  --block-peer-list    Comma-separated blocked peer ids (hex)

Admission Options:
  --permission          Reject Data from unknown peers
  --only-stable-data    Suppress inbound Data from non-Stable peers
  --delivery-length     Bytes of payload included in each Delivery receipt

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/meshnet.log; logs also go to stdout)
  --log-json      Output logs as JSON

Examples:
  meshnetd --listen=127.0.0.1:7001
  meshnetd --listen=127.0.0.1:7002 --allowlist=127.0.0.1:7001
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dir + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("meshnetd version 0.1.0")
		os.Exit(0)
	}

	cfg := Default()

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Idempotent — safe to call on every
// startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.DBDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
