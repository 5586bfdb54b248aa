package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"collend/crypto"
)

// Config is the daemon configuration, decoded from TOML.
type Config struct {
	Service       string `toml:"Service"`
	Environment   string `toml:"Environment"`
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	GenesisFile   string `toml:"GenesisFile"`

	CollateralAsset string `toml:"CollateralAsset"`
	DebtAsset       string `toml:"DebtAsset"`

	Operator string `toml:"Operator"`
	Overseer string `toml:"Overseer"`
	Treasury string `toml:"Treasury"`
	Gateway  string `toml:"Gateway"`

	// Protocol bounds; rates and ratios are decimal strings at 1e18 scale.
	MinInterest         string `toml:"MinInterest"`
	MaxLoanToCollateral string `toml:"MaxLoanToCollateral"`
	MaxDurationSeconds  int64  `toml:"MaxDurationSeconds"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "collendd"
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8671"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	c.CollateralAsset = strings.ToUpper(strings.TrimSpace(c.CollateralAsset))
	c.DebtAsset = strings.ToUpper(strings.TrimSpace(c.DebtAsset))
}

// Validate checks the configuration for structural problems before any
// component is wired from it.
func (c *Config) Validate() error {
	if c.CollateralAsset == "" || c.DebtAsset == "" {
		return fmt.Errorf("config: collateral and debt assets required")
	}
	if c.CollateralAsset == c.DebtAsset {
		return fmt.Errorf("config: collateral and debt assets must differ")
	}
	for field, value := range map[string]string{
		"Operator": c.Operator,
		"Overseer": c.Overseer,
		"Treasury": c.Treasury,
		"Gateway":  c.Gateway,
	} {
		if _, err := decodeIdentity(value); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}
	if _, err := c.bigField("MinInterest", c.MinInterest, false); err != nil {
		return err
	}
	if _, err := c.bigField("MaxLoanToCollateral", c.MaxLoanToCollateral, true); err != nil {
		return err
	}
	if c.MaxDurationSeconds <= 0 {
		return fmt.Errorf("config: MaxDurationSeconds must be positive")
	}
	return nil
}

func (c *Config) bigField(name, value string, strictlyPositive bool) (*big.Int, error) {
	parsed, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("config: %s must be a base-10 integer, got %q", name, value)
	}
	if parsed.Sign() < 0 || (strictlyPositive && parsed.Sign() == 0) {
		return nil, fmt.Errorf("config: %s out of range", name)
	}
	return parsed, nil
}

// MinInterestWei returns the parsed interest floor.
func (c *Config) MinInterestWei() *big.Int {
	parsed, _ := c.bigField("MinInterest", c.MinInterest, false)
	return parsed
}

// MaxLoanToCollateralWei returns the parsed ratio ceiling.
func (c *Config) MaxLoanToCollateralWei() *big.Int {
	parsed, _ := c.bigField("MaxLoanToCollateral", c.MaxLoanToCollateral, true)
	return parsed
}

// Identity decodes one of the configured bech32 identities.
func (c *Config) Identity(value string) (crypto.Address, error) {
	return decodeIdentity(value)
}

// decodeIdentity parses a bech32 identity and requires the protocol prefix, so
// an address from another chain fails at load instead of becoming a silently
// wrong 20-byte identity.
func decodeIdentity(value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, err
	}
	if addr.Prefix() != crypto.LendPrefix {
		return crypto.Address{}, fmt.Errorf("unexpected address prefix %q, want %q", addr.Prefix(), crypto.LendPrefix)
	}
	return addr, nil
}

// GenesisAllocation is a single initial balance entry.
type GenesisAllocation struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Genesis lists the initial balances applied to the asset ledgers at startup.
type Genesis struct {
	Collateral []GenesisAllocation `yaml:"collateral"`
	Debt       []GenesisAllocation `yaml:"debt"`
}

// LoadGenesis reads the YAML allocation file referenced by GenesisFile. A
// missing path yields an empty allocation set.
func LoadGenesis(path string) (*Genesis, error) {
	if strings.TrimSpace(path) == "" {
		return &Genesis{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	genesis := &Genesis{}
	if err := yaml.Unmarshal(raw, genesis); err != nil {
		return nil, err
	}
	for _, alloc := range append(append([]GenesisAllocation{}, genesis.Collateral...), genesis.Debt...) {
		if _, err := decodeIdentity(alloc.Address); err != nil {
			return nil, fmt.Errorf("genesis: %s: %w", alloc.Address, err)
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10); !ok {
			return nil, fmt.Errorf("genesis: invalid amount %q for %s", alloc.Amount, alloc.Address)
		}
	}
	return genesis, nil
}
