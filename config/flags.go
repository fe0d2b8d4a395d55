package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// P2P
	P2P         bool
	Listen      string
	Bootstrap   string
	MinOutbound int
	MaxInbound  int
	DialRate    int
	ClearBans   bool

	// Wallet
	Wallet     bool
	WalletName string
	Locked     bool

	// Mining (operational only)
	Mine    bool
	Threads int

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero overrides).
	SetP2P      bool
	SetWallet   bool
	SetLocked   bool
	SetMine     bool
	SetThreads  bool
	SetDialRate bool
	SetMetrics  bool
	SetLogJSON  bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingnetd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", true, "Enable P2P networking")
	fs.StringVar(&f.Listen, "listen", "", "P2P listen multiaddr")
	fs.StringVar(&f.Bootstrap, "bootstrap", "", "Bootstrap nodes as comma-separated multiaddrs or host:port")
	fs.IntVar(&f.MinOutbound, "minoutbound", 0, "Outbound connections to keep open")
	fs.IntVar(&f.MaxInbound, "maxinbound", 0, "Maximum inbound connections")
	fs.IntVar(&f.DialRate, "dialrate", 0, "Outbound dials per second (0 = unlimited)")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	// Wallet
	fs.BoolVar(&f.Wallet, "wallet", false, "Enable integrated wallet")
	fs.StringVar(&f.WalletName, "wallet-name", "", "Keystore wallet name")
	fs.BoolVar(&f.Locked, "locked", false, "Start with the wallet locked")

	// Mining
	fs.BoolVar(&f.Mine, "mine", false, "Enable block production")
	fs.IntVar(&f.Threads, "threads", 0, "Proof-of-work threads (0 disables proof of work)")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Enable the Prometheus endpoint")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Prometheus listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Handle --testnet shorthand
	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetWallet = isFlagSet(fs, "wallet")
	f.SetLocked = isFlagSet(fs, "locked")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetThreads = isFlagSet(fs, "threads")
	f.SetDialRate = isFlagSet(fs, "dialrate")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	// This catches mistakes like "--wallet default --mine" where "default"
	// is not a flag value (--wallet is a bool) and stops all further parsing.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.Listen != "" {
		cfg.P2P.Listen = f.Listen
	}
	if f.Bootstrap != "" {
		cfg.P2P.Bootstrap = parseStringList(f.Bootstrap)
	}
	if f.MinOutbound != 0 {
		cfg.P2P.MinOutbound = f.MinOutbound
	}
	if f.MaxInbound != 0 {
		cfg.P2P.MaxInbound = f.MaxInbound
	}
	if f.SetDialRate {
		cfg.P2P.DialRate = f.DialRate
	}
	if f.ClearBans {
		cfg.P2P.ClearBans = true
	}

	// Wallet
	if f.SetWallet {
		cfg.Wallet.Enabled = f.Wallet
	}
	if f.WalletName != "" {
		cfg.Wallet.Name = f.WalletName
	}
	if f.SetLocked {
		cfg.Wallet.Locked = f.Locked
	}

	// Mining
	if f.SetMine {
		cfg.Mining.Enabled = f.Mine
	}
	if f.SetThreads {
		cfg.Mining.Threads = f.Threads
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
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
	usage := `Klingnet Node - peer connection manager and block producer

Usage:
  klingnetd [options]
  klingnetd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet)
  --config, -c    Config file path (default: <datadir>/klingnet.conf)

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --listen        Listen multiaddr (mainnet: /ip4/0.0.0.0/tcp/30303)
  --bootstrap     Bootstrap nodes as comma-separated multiaddrs or host:port
  --minoutbound   Outbound connections to keep open (default: 8)
  --maxinbound    Maximum inbound connections (default: 117)
  --dialrate      Outbound dials per second, 0 = unlimited (default: 10)
  --clear-bans    Clear all peer bans on startup

Wallet Options:
  --wallet        Enable integrated wallet
  --wallet-name   Keystore wallet name (default: default)
  --locked        Start with the wallet locked

Mining Options:
  --mine          Enable block production
  --threads       Proof-of-work threads, 0 = stake only (default: 1)

Metrics Options:
  --metrics       Enable the Prometheus endpoint
  --metrics-addr  Listen address (mainnet: 127.0.0.1:9301)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  klingnetd

  # Start testnet node that stakes and mines
  klingnetd --testnet --wallet --mine

  # Stake only, with metrics
  klingnetd --wallet --mine --threads=0 --metrics

Note:
  Protocol rules (genesis, difficulty, rewards) are hardcoded in the
  genesis configuration and cannot be changed at runtime. Data
  directories are created automatically on first start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingnetd version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is idempotent and safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.DBDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
