package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAccount is a single balance allocation applied on first start.
// Address is the hex form of a 20-byte account (optionally 0x-prefixed) and
// Balance a decimal string in the smallest native unit.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Genesis groups the initial allocations.
type Genesis struct {
	Accounts []GenesisAccount `toml:"Account"`
}

type Config struct {
	DataDir     string  `toml:"DataDir"`
	ServiceName string  `toml:"ServiceName"`
	Env         string  `toml:"Env"`
	Genesis     Genesis `toml:"genesis"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "escrowd"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "local"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for structural errors, including every genesis
// allocation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	for i, alloc := range c.Genesis.Accounts {
		if _, _, err := alloc.Decode(); err != nil {
			return fmt.Errorf("config: genesis account %d: %w", i, err)
		}
	}
	return nil
}

// Decode parses the allocation into its binary address and balance.
func (a GenesisAccount) Decode() ([20]byte, *big.Int, error) {
	var addr [20]byte
	raw := strings.TrimPrefix(strings.TrimSpace(a.Address), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, nil, fmt.Errorf("invalid address %q: %w", a.Address, err)
	}
	if len(decoded) != len(addr) {
		return addr, nil, fmt.Errorf("invalid address %q: want %d bytes, got %d", a.Address, len(addr), len(decoded))
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, nil, fmt.Errorf("genesis allocation to the zero address")
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(a.Balance), 10)
	if !ok {
		return addr, nil, fmt.Errorf("invalid balance %q", a.Balance)
	}
	if balance.Sign() <= 0 {
		return addr, nil, fmt.Errorf("balance must be positive, got %q", a.Balance)
	}
	return addr, balance, nil
}
