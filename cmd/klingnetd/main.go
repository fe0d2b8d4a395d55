// Klingnet node daemon.
//
// Usage:
//
//	klingnetd [--wallet --mine --threads=N]  Run node
//	klingnetd --help                         Show help
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-node/config"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fatal("%v", err)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "klingnet.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fatal("initializing logger: %v", err)
	}

	// A keystore wallet is created on first use and unlocked at startup
	// unless wallet.locked is set.
	keystoreWallet := cfg.Wallet.Enabled && cfg.Wallet.Mnemonic == ""
	if keystoreWallet && !node.WalletExists(cfg) {
		createWallet(cfg)
	}

	n, err := node.New(cfg)
	if err != nil {
		fatal("%v", err)
	}

	if keystoreWallet && !cfg.Wallet.Locked {
		password, err := readPassword("Wallet password: ")
		if err != nil {
			n.Stop()
			fatal("reading password: %v", err)
		}
		err = n.UnlockWallet(password)
		clear(password)
		if err != nil {
			n.Stop()
			fatal("unlocking wallet: %v", err)
		}
	}

	if err := n.Start(); err != nil {
		n.Stop()
		fatal("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func createWallet(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "No wallet named %q, creating one.\n", cfg.Wallet.Name)
	password, err := readPassword("New wallet password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}
	if !bytes.Equal(password, confirm) {
		fatal("passwords do not match")
	}
	if len(password) == 0 {
		fatal("password must not be empty")
	}

	mnemonic, err := node.CreateWallet(cfg, password)
	clear(password)
	clear(confirm)
	if err != nil {
		fatal("creating wallet: %v", err)
	}
	fmt.Fprintln(os.Stderr, "Write down this recovery phrase and keep it safe:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  "+mnemonic)
	fmt.Fprintln(os.Stderr)
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
