package bank

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry tracks recognised assets. Reads take a shared lock; registration is
// administrative and does not pass through the reentrancy guard.
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]AssetDescriptor
}

// NewRegistry returns a registry with the native asset pre-registered and
// unbounded.
func NewRegistry(nativeSymbol string, nativeDecimals uint8) *Registry {
	symbol := strings.ToUpper(strings.TrimSpace(nativeSymbol))
	if symbol == "" {
		symbol = "NATIVE"
	}
	return &Registry{assets: map[common.Address]AssetDescriptor{
		NativeAsset: {
			ID:        NativeAsset,
			Symbol:    symbol,
			Kind:      AssetNative,
			Decimals:  nativeDecimals,
			Supported: true,
		},
	}}
}

// Describe returns the descriptor for asset or ErrUnsupportedAsset when it is
// unknown or flagged unsupported.
func (r *Registry) Describe(asset common.Address) (AssetDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.assets[asset]
	if !ok || !desc.Supported {
		return AssetDescriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	return desc.clone(), nil
}

// Register adds a token descriptor. Descriptors are immutable once stored.
func (r *Registry) Register(desc AssetDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	desc.Symbol = strings.ToUpper(strings.TrimSpace(desc.Symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAssetExists, desc.ID.Hex())
	}
	r.assets[desc.ID] = desc.clone()
	return nil
}

// restore installs persisted descriptors, replacing any with the same id.
func (r *Registry) restore(descs []AssetDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descs {
		if desc.ID == NativeAsset {
			continue
		}
		r.assets[desc.ID] = desc.clone()
	}
}

func (r *Registry) remove(asset common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if asset == NativeAsset {
		return
	}
	delete(r.assets, asset)
}

// Assets lists every descriptor sorted by symbol.
func (r *Registry) Assets() []AssetDescriptor {
	r.mu.RLock()
	out := make([]AssetDescriptor, 0, len(r.assets))
	for _, desc := range r.assets {
		out = append(out, desc.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func validateDescriptor(desc AssetDescriptor) error {
	if desc.ID == NativeAsset {
		return fmt.Errorf("%w: native asset is registered at initialisation", ErrInvalidAsset)
	}
	if desc.Kind != AssetToken {
		return fmt.Errorf("%w: only token assets can be registered", ErrInvalidAsset)
	}
	if strings.TrimSpace(desc.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidAsset)
	}
	if desc.Decimals > 36 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidAsset, desc.Decimals)
	}
	if desc.MinDeposit != nil && desc.MaxDeposit != nil && !desc.MaxDeposit.IsZero() && desc.MinDeposit.Gt(desc.MaxDeposit) {
		return fmt.Errorf("%w: minimum deposit above maximum", ErrInvalidAsset)
	}
	return nil
}
