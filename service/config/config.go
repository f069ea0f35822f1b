package config

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Family identifies the RPC protocol and key scheme a chain speaks.
type Family string

const (
	FamilySubstrate Family = "substrate"
	FamilyEVM       Family = "evm"
	FamilySolana    Family = "solana"
)

// AssetKind identifies the transfer primitive used for one recipe entry.
type AssetKind string

const (
	// AssetNative is the chain's own currency (Balances, ETH, SOL).
	AssetNative AssetKind = "native"
	// AssetPallet is a pallet-assets token on a substrate chain, addressed by numeric id.
	AssetPallet AssetKind = "assets"
	// AssetERC20 is an ERC20 token on an EVM chain, addressed by contract.
	AssetERC20 AssetKind = "erc20"
)

const (
	// DefaultDripAmount is what the single-endpoint shorthand sends per drip.
	DefaultDripAmount = "10000000000000000"
	// DefaultGasPrice is the fixed legacy gas price (wei) used on EVM chains that don't set one.
	DefaultGasPrice = "1000000000"
	// DefaultSS58Prefix is the generic substrate prefix.
	DefaultSS58Prefix = 42
)

var evmContractRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config holds all application configuration loaded from environment variables
// and the chains file. All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration. ServerAddr serves the drip endpoint to the
	// requester-facing adapter; OperatorAddr serves chain status, the ledger,
	// the event stream and metrics and must not be exposed publicly.
	ServerAddr     string
	OperatorAddr   string
	LogLevel       string
	MetricsEnabled bool

	// DripAPIToken, when set, is the bearer token the drip endpoint requires.
	// The requester id in a drip request is trusted as given: the caller is
	// expected to be an adapter that has already authenticated the user, so
	// an open endpoint lets anyone pick a fresh id and skip the cooldown.
	DripAPIToken string

	// Funding identity secret: a 32-byte seed (0x-hex or base58) or a substrate secret URI.
	FundingSeed string

	// Chains to drip on, loaded from CHAINS_FILE or the RPC_ENDPOINT shorthand.
	ChainsFile string
	Chains     []Chain

	// Drip dispatch configuration
	Cooldown        time.Duration
	SubmitTimeout   time.Duration
	HealthInterval  time.Duration
	ConnectAttempts int
	DispatchWorkers int

	// Optional audit sinks
	DatabaseURL string
	NATSURL     string
}

// Chain is one configured network endpoint. Immutable after load.
type Chain struct {
	Network    string  `mapstructure:"network" json:"network"`
	Family     Family  `mapstructure:"family" json:"family"`
	RPCURL     string  `mapstructure:"rpc" json:"rpc"`
	SS58Prefix *uint16 `mapstructure:"ss58_prefix" json:"ss58_prefix,omitempty"`
	GasPrice   string  `mapstructure:"gas_price" json:"gas_price,omitempty"`
	Recipe     Recipe  `mapstructure:"recipe" json:"recipe"`
}

// Recipe is the ordered list of transfers issued per drip on a chain.
// When Batch is set the transfers are submitted as one transaction.
type Recipe struct {
	Batch     bool       `mapstructure:"batch" json:"batch"`
	Transfers []Transfer `mapstructure:"transfers" json:"transfers"`
}

// Transfer is a single (asset, amount) pair of a recipe.
type Transfer struct {
	Asset    AssetKind `mapstructure:"asset" json:"asset"`
	AssetID  string    `mapstructure:"asset_id" json:"asset_id,omitempty"`
	Amount   string    `mapstructure:"amount" json:"amount"`
	GasLimit uint64    `mapstructure:"gas_limit" json:"gas_limit,omitempty"`
}

// Value parses the transfer amount in base units.
func (t Transfer) Value() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(t.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", t.Amount)
	}
	return v, nil
}

// AddressPrefix is the SS58 prefix used to encode addresses on a substrate chain.
func (c Chain) AddressPrefix() uint16 {
	if c.SS58Prefix == nil {
		return DefaultSS58Prefix
	}
	return *c.SS58Prefix
}

// GasPriceWei parses the chain's fixed gas price.
func (c Chain) GasPriceWei() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(c.GasPrice), 10)
	if !ok {
		return nil, fmt.Errorf("invalid gas_price %q", c.GasPrice)
	}
	return v, nil
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = v.GetString("SERVER_ADDR")
	cfg.OperatorAddr = v.GetString("OPERATOR_ADDR")
	cfg.DripAPIToken = v.GetString("DRIP_API_TOKEN")
	cfg.LogLevel = v.GetString("LOG_LEVEL")
	cfg.MetricsEnabled = v.GetBool("METRICS_ENABLED")

	// Funding identity; FUNDING_KEY is the name the first deployments used
	cfg.FundingSeed = v.GetString("FUNDING_SEED")
	if cfg.FundingSeed == "" {
		cfg.FundingSeed = v.GetString("FUNDING_KEY")
	}

	// Chains
	cfg.ChainsFile = v.GetString("CHAINS_FILE")
	if cfg.ChainsFile != "" {
		chains, err := LoadChains(cfg.ChainsFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Chains = chains
		}
	} else if rpc := v.GetString("RPC_ENDPOINT"); rpc != "" {
		cfg.Chains = []Chain{DefaultChain(rpc)}
	}

	// Durations
	var err error
	if cfg.Cooldown, err = parseDuration(v, "COOLDOWN"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SubmitTimeout, err = parseDuration(v, "SUBMIT_TIMEOUT"); err != nil {
		errs = append(errs, err)
	}
	if cfg.HealthInterval, err = parseDuration(v, "HEALTH_INTERVAL"); err != nil {
		errs = append(errs, err)
	}

	if cfg.ConnectAttempts, err = parseInt(v, "CONNECT_ATTEMPTS"); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchWorkers, err = parseInt(v, "DISPATCH_WORKERS"); err != nil {
		errs = append(errs, err)
	}

	// Optional sinks
	cfg.DatabaseURL = v.GetString("DATABASE_URL")
	cfg.NATSURL = v.GetString("NATS_URL")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// LoadChains reads the chain list from a YAML, TOML or JSON file with a top-level "chains" key.
func LoadChains(path string) ([]Chain, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("CHAINS_FILE: failed to read %s: %w", path, err)
	}

	var file struct {
		Chains []Chain `mapstructure:"chains"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("CHAINS_FILE: failed to decode %s: %w", path, err)
	}

	for i := range file.Chains {
		applyChainDefaults(&file.Chains[i])
	}
	return file.Chains, nil
}

// DefaultChain is the single substrate endpoint configured through RPC_ENDPOINT.
func DefaultChain(rpcURL string) Chain {
	c := Chain{
		Network: "default",
		Family:  FamilySubstrate,
		RPCURL:  rpcURL,
		Recipe: Recipe{
			Transfers: []Transfer{{Asset: AssetNative, Amount: DefaultDripAmount}},
		},
	}
	applyChainDefaults(&c)
	return c
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.FundingSeed == "" {
		errs = append(errs, fmt.Errorf("FUNDING_SEED is required"))
	}

	if len(c.Chains) == 0 {
		errs = append(errs, fmt.Errorf("CHAINS_FILE or RPC_ENDPOINT is required"))
	}

	if c.OperatorAddr == "" {
		errs = append(errs, fmt.Errorf("OPERATOR_ADDR is required"))
	} else if c.OperatorAddr == c.ServerAddr {
		errs = append(errs, fmt.Errorf("OPERATOR_ADDR must differ from SERVER_ADDR"))
	}

	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if _, dup := seen[chain.Network]; dup {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate network %q", i, chain.Network))
		}
		seen[chain.Network] = struct{}{}
		errs = append(errs, chain.validate(i)...)
	}

	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("COOLDOWN must be positive"))
	}

	if c.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_TIMEOUT must be positive"))
	}

	if c.HealthInterval < time.Second {
		errs = append(errs, fmt.Errorf("HEALTH_INTERVAL must be at least 1 second"))
	}

	if c.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("CONNECT_ATTEMPTS must be at least 1"))
	}

	if c.DispatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func (c Chain) validate(i int) []error {
	var errs []error
	prefix := fmt.Sprintf("chains[%d] (%s)", i, c.Network)

	if c.Network == "" {
		errs = append(errs, fmt.Errorf("chains[%d]: network is required", i))
	}
	if c.RPCURL == "" {
		errs = append(errs, fmt.Errorf("%s: rpc is required", prefix))
	}

	switch c.Family {
	case FamilySubstrate:
		if c.AddressPrefix() > 16383 {
			errs = append(errs, fmt.Errorf("%s: ss58_prefix must be below 16384", prefix))
		}
	case FamilySolana:
	case FamilyEVM:
		if c.Recipe.Batch {
			errs = append(errs, fmt.Errorf("%s: evm chains cannot batch transfers", prefix))
		}
		if gp, err := c.GasPriceWei(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		} else if gp.Sign() < 0 {
			errs = append(errs, fmt.Errorf("%s: gas_price must not be negative", prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown family %q", prefix, c.Family))
	}

	if len(c.Recipe.Transfers) == 0 {
		errs = append(errs, fmt.Errorf("%s: recipe needs at least one transfer", prefix))
	}

	for j, t := range c.Recipe.Transfers {
		tp := fmt.Sprintf("%s transfer[%d]", prefix, j)

		amount, err := t.Value()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tp, err))
		} else if amount.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("%s: amount must be positive", tp))
		}

		switch t.Asset {
		case AssetNative:
		case AssetPallet:
			if c.Family != FamilySubstrate {
				errs = append(errs, fmt.Errorf("%s: assets transfers are only supported on substrate", tp))
			}
			if _, err := strconv.ParseUint(t.AssetID, 10, 32); err != nil {
				errs = append(errs, fmt.Errorf("%s: asset_id must be a u32, got %q", tp, t.AssetID))
			}
		case AssetERC20:
			if c.Family != FamilyEVM {
				errs = append(errs, fmt.Errorf("%s: erc20 transfers are only supported on evm", tp))
			}
			if !evmContractRegex.MatchString(t.AssetID) {
				errs = append(errs, fmt.Errorf("%s: asset_id must be a contract address, got %q", tp, t.AssetID))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown asset %q", tp, t.Asset))
		}
	}

	return errs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("OPERATOR_ADDR", "127.0.0.1:8081")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("COOLDOWN", "24h")
	v.SetDefault("SUBMIT_TIMEOUT", "30s")
	v.SetDefault("HEALTH_INTERVAL", "30s")
	v.SetDefault("CONNECT_ATTEMPTS", "3")
	v.SetDefault("DISPATCH_WORKERS", "16")
}

func applyChainDefaults(c *Chain) {
	if c.Family == FamilyEVM && c.GasPrice == "" {
		c.GasPrice = DefaultGasPrice
	}
}

// parseDuration parses a duration from a config key, falling back to its default.
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value := v.GetString(key)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from a config key, falling back to its default.
func parseInt(v *viper.Viper, key string) (int, error) {
	value := v.GetString(key)
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
