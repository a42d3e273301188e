package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"swapbank/native/bank"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for bankd.
type Config struct {
	Environment   string            `yaml:"environment"`
	ListenAddress string            `yaml:"listen"`
	DatabasePath  string            `yaml:"database"`
	AssetsFile    string            `yaml:"assets_file"`
	Bank          BankConfig        `yaml:"bank"`
	Custody       CustodyConfig     `yaml:"custody"`
	Venue         VenueConfig       `yaml:"venue"`
	Oracle        OracleConfig      `yaml:"oracle"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
	Notify        NotifyConfig      `yaml:"notify"`
	Export        ExportConfig      `yaml:"export"`
	Faucet        FaucetConfig      `yaml:"faucet"`
	Logging       LoggingConfig     `yaml:"logging"`
}

// BankConfig fixes the engine identities and ceilings. Amounts are decimal
// strings in base units.
type BankConfig struct {
	Self              string `yaml:"self"`
	UnitAsset         string `yaml:"unit_asset"`
	UnitSymbol        string `yaml:"unit_symbol"`
	UnitDecimals      uint8  `yaml:"unit_decimals"`
	WrappedNative     string `yaml:"wrapped_native"`
	NativeSymbol      string `yaml:"native_symbol"`
	NativeDecimals    uint8  `yaml:"native_decimals"`
	CapacityCeiling   string `yaml:"capacity_ceiling"`
	WithdrawalCeiling string `yaml:"withdrawal_ceiling"`
}

// CustodyConfig selects where custody holdings live. An empty path keeps them
// in memory.
type CustodyConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// VenueConfig seeds the in-process conversion pools.
type VenueConfig struct {
	Address string       `yaml:"address"`
	Pools   []PoolConfig `yaml:"pools"`
}

// PoolConfig describes one constant-product pool.
type PoolConfig struct {
	TokenA   string `yaml:"token_a"`
	TokenB   string `yaml:"token_b"`
	ReserveA string `yaml:"reserve_a"`
	ReserveB string `yaml:"reserve_b"`
	FeeBps   uint64 `yaml:"fee_bps"`
}

// OracleConfig selects the reference price source.
type OracleConfig struct {
	Mode           string   `yaml:"mode"`
	Endpoint       string   `yaml:"endpoint"`
	Aggregator     string   `yaml:"aggregator"`
	CallTimeout    Duration `yaml:"call_timeout"`
	StaticAnswer   string   `yaml:"static_answer"`
	StaticDecimals uint8    `yaml:"static_decimals"`
	WatchInterval  Duration `yaml:"watch_interval"`
}

// AuthConfig names the environment variables holding secrets.
type AuthConfig struct {
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
	AdminTokenEnv string   `yaml:"admin_token_env"`
}

// RateLimitConfig throttles mutating endpoints per principal.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// IdempotencyConfig controls the replay cache.
type IdempotencyConfig struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// NotifyConfig controls the notification journal and stream.
type NotifyConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	StreamBuffer int    `yaml:"stream_buffer"`
}

// ExportConfig controls ledger snapshots.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// FaucetConfig gates the development faucet.
type FaucetConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

const (
	OracleChainlink = "chainlink"
	OracleStatic    = "static"

	NotifySQLite   = "sqlite"
	NotifyPostgres = "postgres"
)

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/bankd.sqlite"
	}
	if cfg.Bank.UnitSymbol == "" {
		cfg.Bank.UnitSymbol = "USDC"
	}
	if cfg.Bank.UnitDecimals == 0 {
		cfg.Bank.UnitDecimals = 6
	}
	if cfg.Bank.NativeSymbol == "" {
		cfg.Bank.NativeSymbol = "ETH"
	}
	if cfg.Bank.NativeDecimals == 0 {
		cfg.Bank.NativeDecimals = 18
	}
	if cfg.Oracle.Mode == "" {
		cfg.Oracle.Mode = OracleChainlink
	}
	cfg.Oracle.Mode = strings.ToLower(strings.TrimSpace(cfg.Oracle.Mode))
	if cfg.Oracle.CallTimeout.Duration == 0 {
		cfg.Oracle.CallTimeout.Duration = 5 * time.Second
	}
	if cfg.Oracle.StaticDecimals == 0 {
		cfg.Oracle.StaticDecimals = 8
	}
	if cfg.Oracle.WatchInterval.Duration == 0 {
		cfg.Oracle.WatchInterval.Duration = 30 * time.Second
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "BANKD_JWT_SECRET"
	}
	if cfg.Auth.AdminTokenEnv == "" {
		cfg.Auth.AdminTokenEnv = "BANKD_ADMIN_TOKEN"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = "/var/data/bankd-idempotency.db"
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = NotifySQLite
	}
	cfg.Notify.Driver = strings.ToLower(strings.TrimSpace(cfg.Notify.Driver))
	if cfg.Notify.StreamBuffer <= 0 {
		cfg.Notify.StreamBuffer = 64
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "/var/data/bankd-exports"
	}
}

func validate(cfg Config) error {
	if _, err := cfg.Bank.Resolve(); err != nil {
		return err
	}
	if _, err := ParseAddress("venue.address", cfg.Venue.Address); err != nil {
		return err
	}
	for i, pool := range cfg.Venue.Pools {
		if _, err := pool.Resolve(); err != nil {
			return fmt.Errorf("venue.pools[%d]: %w", i, err)
		}
	}
	switch cfg.Oracle.Mode {
	case OracleChainlink:
		if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
			return errors.New("oracle.endpoint required for chainlink mode")
		}
		if _, err := ParseAddress("oracle.aggregator", cfg.Oracle.Aggregator); err != nil {
			return err
		}
	case OracleStatic:
		if _, err := ParseAmount("oracle.static_answer", cfg.Oracle.StaticAnswer); err != nil {
			return err
		}
		if cfg.Environment != "dev" {
			return errors.New("oracle.mode static is only allowed in the dev environment")
		}
	default:
		return fmt.Errorf("unknown oracle mode %q", cfg.Oracle.Mode)
	}
	switch cfg.Notify.Driver {
	case NotifySQLite, NotifyPostgres:
	default:
		return fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
	if cfg.Notify.Driver == NotifyPostgres && strings.TrimSpace(cfg.Notify.DSN) == "" {
		return errors.New("notify.dsn required for postgres")
	}
	if cfg.Faucet.Enabled && cfg.Environment != "dev" {
		return errors.New("faucet is only allowed in the dev environment")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// Resolve converts the YAML form into the engine configuration.
func (b BankConfig) Resolve() (bank.Config, error) {
	out := bank.Config{
		UnitSymbol:     strings.TrimSpace(b.UnitSymbol),
		UnitDecimals:   b.UnitDecimals,
		NativeSymbol:   strings.TrimSpace(b.NativeSymbol),
		NativeDecimals: b.NativeDecimals,
	}
	var err error
	if out.Self, err = ParseAddress("bank.self", b.Self); err != nil {
		return bank.Config{}, err
	}
	if out.UnitAsset, err = ParseAddress("bank.unit_asset", b.UnitAsset); err != nil {
		return bank.Config{}, err
	}
	if out.WrappedNative, err = ParseAddress("bank.wrapped_native", b.WrappedNative); err != nil {
		return bank.Config{}, err
	}
	if out.CapacityCeiling, err = ParseAmount("bank.capacity_ceiling", b.CapacityCeiling); err != nil {
		return bank.Config{}, err
	}
	if out.WithdrawalCeiling, err = ParseAmount("bank.withdrawal_ceiling", b.WithdrawalCeiling); err != nil {
		return bank.Config{}, err
	}
	if out.UnitAsset == out.WrappedNative {
		return bank.Config{}, errors.New("bank.unit_asset and bank.wrapped_native must differ")
	}
	return out, nil
}

// ResolvedPool is a PoolConfig with parsed identities and reserves.
type ResolvedPool struct {
	TokenA   common.Address
	TokenB   common.Address
	ReserveA *uint256.Int
	ReserveB *uint256.Int
	FeeBps   uint64
}

// Resolve parses the pool definition.
func (p PoolConfig) Resolve() (ResolvedPool, error) {
	out := ResolvedPool{FeeBps: p.FeeBps}
	var err error
	if out.TokenA, err = parseAsset("token_a", p.TokenA); err != nil {
		return ResolvedPool{}, err
	}
	if out.TokenB, err = parseAsset("token_b", p.TokenB); err != nil {
		return ResolvedPool{}, err
	}
	if out.ReserveA, err = ParseAmount("reserve_a", p.ReserveA); err != nil {
		return ResolvedPool{}, err
	}
	if out.ReserveB, err = ParseAmount("reserve_b", p.ReserveB); err != nil {
		return ResolvedPool{}, err
	}
	if p.FeeBps >= 10_000 {
		return ResolvedPool{}, fmt.Errorf("fee_bps %d out of range", p.FeeBps)
	}
	return out, nil
}

// ParseAddress parses a non-zero hex address.
func ParseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address not allowed", field)
	}
	return addr, nil
}

// parseAsset accepts the zero address, which identifies the native asset.
func parseAsset(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseAmount parses a positive base-10 integer amount.
func ParseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s: amount required", field)
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q: %w", field, raw, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%s: amount must be positive", field)
	}
	return value, nil
}

// Secret reads the environment variable named by envVar.
func Secret(envVar string) (string, error) {
	name := strings.TrimSpace(envVar)
	if name == "" {
		return "", errors.New("secret environment variable not configured")
	}
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is not set", name)
	}
	return strings.TrimSpace(value), nil
}
