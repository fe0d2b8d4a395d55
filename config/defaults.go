package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:     true,
			Listen:      "/ip4/0.0.0.0/tcp/30303",
			MinOutbound: 8,
			MaxInbound:  117,
			DialRate:    10,
			// Bootstrap nodes help new peers join the network.
			// Format: multiaddr or host:port, e.g.:
			//   "/ip4/203.0.113.1/tcp/30303"
			//   "/dns4/seed1.klingnet.io/tcp/30303"
			Bootstrap: []string{},
		},
		Wallet: WalletConfig{
			Enabled: false,
			Name:    "default",
		},
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9301",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Listen = "/ip4/0.0.0.0/tcp/30304"
	cfg.Metrics.Addr = "127.0.0.1:9302"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
