package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "KGX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`

	// Initial allocations (hex address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Bits        uint32 `json:"bits"`          // Compact target for work and stake kernels
	BlockReward uint64 `json:"block_reward"`  // Coinbase value of a proof-of-work block
	StakeReward uint64 `json:"stake_reward"`  // Added to the staked value by a coinstake
	StakeMinAge uint64 `json:"stake_min_age"` // Seconds before a coin may stake
}

// StakeMinAgeDuration returns StakeMinAge as a time.Duration.
func (p ProtocolConfig) StakeMinAgeDuration() time.Duration {
	return time.Duration(p.StakeMinAge) * time.Second
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			Bits:        0x1e0fffff,
			BlockReward: 20 * MilliCoin, // 0.02 coins per block
			StakeReward: 5 * MilliCoin,
			StakeMinAge: 8 * 3600,
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"

	// More relaxed rules for testnet.
	g.Protocol.Bits = 0x207fffff
	g.Protocol.StakeMinAge = 600
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Protocol.Bits == 0 || block.CompactToBig(g.Protocol.Bits).Sign() <= 0 {
		return fmt.Errorf("bits must encode a positive target")
	}
	if g.Protocol.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}
	if _, err := g.Allocations(); err != nil {
		return err
	}
	return nil
}

// Allocations returns the genesis allocations keyed by decoded address.
func (g *Genesis) Allocations() (map[types.Address]uint64, error) {
	out := make(map[types.Address]uint64, len(g.Alloc))
	for addrStr, v := range g.Alloc {
		addr, err := types.HexToAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		out[addr] = v
	}
	return out, nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
