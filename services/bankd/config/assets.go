package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"swapbank/native/bank"
)

// AssetSeed is one registry entry in the assets TOML file.
type AssetSeed struct {
	Address    string `toml:"Address"`
	Symbol     string `toml:"Symbol"`
	Decimals   uint8  `toml:"Decimals"`
	MinDeposit string `toml:"MinDeposit"`
	MaxDeposit string `toml:"MaxDeposit"`
}

type assetsFile struct {
	Assets []AssetSeed `toml:"Asset"`
}

// LoadAssets decodes the registry seed file. An empty path yields no assets.
func LoadAssets(path string) ([]bank.AssetDescriptor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	var file assetsFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("assets file %s: unknown key %s", path, undecoded[0].String())
	}
	out := make([]bank.AssetDescriptor, 0, len(file.Assets))
	seen := make(map[string]struct{}, len(file.Assets))
	for i, seed := range file.Assets {
		desc, err := seed.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		key := desc.ID.Hex()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("assets[%d]: duplicate address %s", i, key)
		}
		seen[key] = struct{}{}
		out = append(out, desc)
	}
	return out, nil
}

// Descriptor converts the seed into a registry descriptor.
func (s AssetSeed) Descriptor() (bank.AssetDescriptor, error) {
	id, err := ParseAddress("address", s.Address)
	if err != nil {
		return bank.AssetDescriptor{}, err
	}
	desc := bank.AssetDescriptor{
		ID:       id,
		Symbol:   NormalizeSymbol(s.Symbol),
		Kind:     bank.AssetToken,
		Decimals: s.Decimals,
	}
	if desc.Symbol == "" {
		return bank.AssetDescriptor{}, fmt.Errorf("symbol required")
	}
	if desc.MinDeposit, err = optionalAmount("min_deposit", s.MinDeposit); err != nil {
		return bank.AssetDescriptor{}, err
	}
	if desc.MaxDeposit, err = optionalAmount("max_deposit", s.MaxDeposit); err != nil {
		return bank.AssetDescriptor{}, err
	}
	if desc.MinDeposit != nil && desc.MaxDeposit != nil && desc.MinDeposit.Gt(desc.MaxDeposit) {
		return bank.AssetDescriptor{}, fmt.Errorf("min_deposit exceeds max_deposit")
	}
	return desc, nil
}

// NormalizeSymbol folds compatibility forms and upper-cases a ticker.
func NormalizeSymbol(raw string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(raw)))
}

func optionalAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return nil, nil
	}
	return ParseAmount(field, trimmed)
}
