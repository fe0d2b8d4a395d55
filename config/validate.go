package config

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Listen != "" {
		if _, err := multiaddr.NewMultiaddr(cfg.P2P.Listen); err != nil {
			return fmt.Errorf("p2p.listen: %w", err)
		}
	}
	if cfg.P2P.MinOutbound < 0 {
		return fmt.Errorf("p2p.minoutbound must not be negative")
	}
	if cfg.P2P.MaxInbound < 0 {
		return fmt.Errorf("p2p.maxinbound must not be negative")
	}
	if cfg.P2P.DialRate < 0 {
		return fmt.Errorf("p2p.dialrate must not be negative")
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must not be negative")
	}
	if cfg.Mining.Enabled && !cfg.Wallet.Enabled {
		return fmt.Errorf("mining.enabled requires wallet.enabled")
	}
	if cfg.Wallet.Enabled && cfg.Wallet.Mnemonic == "" && cfg.Wallet.Name == "" {
		return fmt.Errorf("wallet.name is required without wallet.mnemonic")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}
