package bank

import (
	"errors"
	"testing"
)

func TestRegistryNativePreRegistered(t *testing.T) {
	registry := NewRegistry(" eth ", 18)
	desc, err := registry.Describe(NativeAsset)
	if err != nil {
		t.Fatalf("describe native: %v", err)
	}
	if desc.Symbol != "ETH" || desc.Kind != AssetNative || desc.Decimals != 18 || !desc.Supported {
		t.Fatalf("unexpected native descriptor %+v", desc)
	}
	if desc.Kind.String() != "native" {
		t.Fatalf("unexpected kind label %q", desc.Kind.String())
	}
	if fallback, _ := NewRegistry("", 18).Describe(NativeAsset); fallback.Symbol != "NATIVE" {
		t.Fatalf("expected fallback symbol, got %q", fallback.Symbol)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	cases := []struct {
		name string
		desc AssetDescriptor
		err  error
	}{
		{"native id", AssetDescriptor{ID: NativeAsset, Symbol: "X", Kind: AssetToken}, ErrInvalidAsset},
		{"native kind", AssetDescriptor{ID: tokenAsset, Symbol: "X", Kind: AssetNative}, ErrInvalidAsset},
		{"blank symbol", AssetDescriptor{ID: tokenAsset, Symbol: "  ", Kind: AssetToken}, ErrInvalidAsset},
		{"decimals", AssetDescriptor{ID: tokenAsset, Symbol: "X", Kind: AssetToken, Decimals: 40}, ErrInvalidAsset},
		{"bounds", AssetDescriptor{ID: tokenAsset, Symbol: "X", Kind: AssetToken, MinDeposit: amt(10), MaxDeposit: amt(5)}, ErrInvalidAsset},
		{"valid", AssetDescriptor{ID: tokenAsset, Symbol: "x", Kind: AssetToken, Decimals: 6, Supported: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := NewRegistry("eth", 18)
			err := registry.Register(tc.desc)
			if tc.err == nil {
				if err != nil {
					t.Fatalf("register: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestRegistryDescribeUnsupported(t *testing.T) {
	registry := NewRegistry("eth", 18)
	if _, err := registry.Describe(tokenAsset); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected unsupported for unknown asset, got %v", err)
	}
	if err := registry.Register(AssetDescriptor{ID: tokenAsset, Symbol: "tok", Kind: AssetToken}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.Describe(tokenAsset); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected descriptor without support flag to be rejected, got %v", err)
	}
}

func TestRegistryAssetsSortedAndIsolated(t *testing.T) {
	registry := NewRegistry("eth", 18)
	for _, desc := range []AssetDescriptor{
		{ID: tokenAsset, Symbol: "zed", Kind: AssetToken, Supported: true, MinDeposit: amt(1)},
		{ID: unitAsset, Symbol: "abc", Kind: AssetToken, Supported: true},
	} {
		if err := registry.Register(desc); err != nil {
			t.Fatalf("register %s: %v", desc.Symbol, err)
		}
	}
	if err := registry.Register(AssetDescriptor{ID: unitAsset, Symbol: "dup", Kind: AssetToken}); !errors.Is(err, ErrAssetExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	assets := registry.Assets()
	if len(assets) != 3 || assets[0].Symbol != "ABC" || assets[1].Symbol != "ETH" || assets[2].Symbol != "ZED" {
		t.Fatalf("unexpected ordering %+v", assets)
	}
	assets[2].MinDeposit.SetUint64(500)
	desc, _ := registry.Describe(tokenAsset)
	if !desc.MinDeposit.Eq(amt(1)) {
		t.Fatalf("listing leaked a mutable bound")
	}

	registry.remove(tokenAsset)
	registry.remove(NativeAsset)
	if _, err := registry.Describe(tokenAsset); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected removed asset to be unknown")
	}
	if _, err := registry.Describe(NativeAsset); err != nil {
		t.Fatalf("native asset must survive removal: %v", err)
	}
}
