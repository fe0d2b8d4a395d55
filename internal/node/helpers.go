package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/wallet"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// chainGenesis converts the protocol genesis to the chain's form.
func chainGenesis(g *config.Genesis) (chain.Genesis, error) {
	alloc, err := g.Allocations()
	if err != nil {
		return chain.Genesis{}, err
	}
	return chain.Genesis{
		Timestamp: g.Timestamp,
		Bits:      g.Protocol.Bits,
		Alloc:     alloc,
	}, nil
}

// walletConfig derives wallet reward settings from the protocol rules.
func walletConfig(g *config.Genesis) wallet.Config {
	return wallet.Config{
		BlockReward: g.Protocol.BlockReward,
		StakeReward: g.Protocol.StakeReward,
		StakeMinAge: g.Protocol.StakeMinAgeDuration(),
	}
}

// openWallet builds the configured wallet. A mnemonic gives an unlocked
// in-memory wallet; otherwise the named keystore wallet is opened locked.
func openWallet(cfg *config.Config, g *config.Genesis) (*wallet.Wallet, error) {
	if cfg.Wallet.Mnemonic != "" {
		seed, err := wallet.SeedFromMnemonic(cfg.Wallet.Mnemonic, "")
		if err != nil {
			return nil, err
		}
		return wallet.FromSeed(seed, walletConfig(g))
	}

	ks, err := wallet.NewKeystore(expandHome(cfg.KeystoreDir()))
	if err != nil {
		return nil, err
	}
	if !ks.Exists(cfg.Wallet.Name) {
		return nil, fmt.Errorf("wallet %q: %w", cfg.Wallet.Name, wallet.ErrNoWallet)
	}
	return wallet.Open(ks, cfg.Wallet.Name, walletConfig(g))
}

// CreateWallet generates a new mnemonic and stores its seed in the keystore
// under the configured wallet name, encrypted with passphrase. It returns the
// mnemonic so the operator can back it up.
func CreateWallet(cfg *config.Config, passphrase []byte) (string, error) {
	ks, err := wallet.NewKeystore(expandHome(cfg.KeystoreDir()))
	if err != nil {
		return "", err
	}
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return "", err
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return "", err
	}
	if err := ks.Create(cfg.Wallet.Name, seed, passphrase, wallet.DefaultParams()); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// WalletExists reports whether the configured keystore wallet is present.
func WalletExists(cfg *config.Config) bool {
	ks, err := wallet.NewKeystore(expandHome(cfg.KeystoreDir()))
	if err != nil {
		return false
	}
	return ks.Exists(cfg.Wallet.Name)
}
