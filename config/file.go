package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.Listen = value
	case "p2p.bootstrap", "p2p.seeds":
		cfg.P2P.Bootstrap = parseStringList(value)
	case "p2p.minoutbound":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MinOutbound = n
	case "p2p.maxinbound":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxInbound = n
	case "p2p.dialrate":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.DialRate = n

	// Wallet
	case "wallet.enabled", "wallet":
		cfg.Wallet.Enabled = parseBool(value)
	case "wallet.name":
		cfg.Wallet.Name = value
	case "wallet.mnemonic":
		cfg.Wallet.Mnemonic = value
	case "wallet.locked":
		cfg.Wallet.Locked = parseBool(value)

	// Mining (operational, not consensus rules)
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mining.Threads = n
	case "mining.flags":
		cfg.Mining.CoinbaseFlags = value

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	content := `# Klingnet Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (genesis, difficulty, rewards) are hardcoded in the
# genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet)
# datadir = ~/.klingnet

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = ` + def.P2P.Listen + `

# Bootstrap nodes (comma-separated multiaddrs or host:port)
# p2p.bootstrap = /dns4/seed1.example.com/tcp/30303,203.0.113.7:30303

# Outbound connections to keep open
p2p.minoutbound = ` + strconv.Itoa(def.P2P.MinOutbound) + `

# Maximum inbound connections
p2p.maxinbound = ` + strconv.Itoa(def.P2P.MaxInbound) + `

# Outbound dials per second (0 = unlimited)
# p2p.dialrate = ` + strconv.Itoa(def.P2P.DialRate) + `

# ============================================================================
# Wallet
# ============================================================================

wallet.enabled = false
wallet.name = ` + def.Wallet.Name + `

# Keep the wallet locked at startup (passphrase is prompted)
# wallet.locked = false

# ============================================================================
# Mining / Staking
# ============================================================================

# Enable block production (proof of stake, plus proof of work when threads > 0)
mining.enabled = false

# Proof-of-work threads (0 disables proof of work)
# mining.threads = 1

# Extra bytes appended to the coinbase script
# mining.flags = /klingnet/

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.addr = ` + def.Metrics.Addr + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
