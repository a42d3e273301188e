package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
environment: dev
listen: ":9000"
database: "/tmp/bankd.sqlite"
bank:
  self: "0x00000000000000000000000000000000000000b1"
  unit_asset: "0x00000000000000000000000000000000000000a1"
  wrapped_native: "0x00000000000000000000000000000000000000a2"
  capacity_ceiling: "1000000000000"
  withdrawal_ceiling: "10000000000"
venue:
  address: "0x00000000000000000000000000000000000000b2"
  pools:
    - token_a: "0x00000000000000000000000000000000000000a2"
      token_b: "0x00000000000000000000000000000000000000a1"
      reserve_a: "1000000000000000000000"
      reserve_b: "2000000000000"
      fee_bps: 30
oracle:
  mode: static
  static_answer: "200000000000"
  watch_interval: 10s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "bankd.yaml", baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Bank.UnitDecimals != 6 || cfg.Bank.NativeDecimals != 18 {
		t.Fatalf("unexpected decimals %d/%d", cfg.Bank.UnitDecimals, cfg.Bank.NativeDecimals)
	}
	if cfg.Oracle.WatchInterval.Duration != 10*time.Second {
		t.Fatalf("unexpected watch interval %s", cfg.Oracle.WatchInterval.Duration)
	}
	if cfg.Oracle.CallTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected call timeout %s", cfg.Oracle.CallTimeout.Duration)
	}
	if cfg.Idempotency.TTL.Duration != 24*time.Hour {
		t.Fatalf("unexpected idempotency ttl %s", cfg.Idempotency.TTL.Duration)
	}
	if cfg.Notify.Driver != NotifySQLite || cfg.Notify.StreamBuffer != 64 {
		t.Fatalf("unexpected notify defaults %+v", cfg.Notify)
	}
	if cfg.Auth.JWTSecretEnv != "BANKD_JWT_SECRET" || cfg.Auth.AdminTokenEnv != "BANKD_ADMIN_TOKEN" {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}

	resolved, err := cfg.Bank.Resolve()
	if err != nil {
		t.Fatalf("resolve bank: %v", err)
	}
	if resolved.CapacityCeiling.Dec() != "1000000000000" {
		t.Fatalf("unexpected capacity %s", resolved.CapacityCeiling.Dec())
	}
	pool, err := cfg.Venue.Pools[0].Resolve()
	if err != nil {
		t.Fatalf("resolve pool: %v", err)
	}
	if pool.FeeBps != 30 || pool.ReserveB.Dec() != "2000000000000" {
		t.Fatalf("unexpected pool %+v", pool)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "static oracle outside dev",
			mutate:  func(s string) string { return strings.Replace(s, "environment: dev", "environment: prod", 1) },
			wantErr: "oracle.mode static",
		},
		{
			name:    "zero capacity",
			mutate:  func(s string) string { return strings.Replace(s, `"1000000000000"`, `"0"`, 1) },
			wantErr: "bank.capacity_ceiling",
		},
		{
			name:    "bad self",
			mutate:  func(s string) string { return strings.Replace(s, "0x00000000000000000000000000000000000000b1", "nope", 1) },
			wantErr: "bank.self",
		},
		{
			name:    "unknown mode",
			mutate:  func(s string) string { return strings.Replace(s, "mode: static", "mode: pyth", 1) },
			wantErr: "unknown oracle mode",
		},
		{
			name:    "fee out of range",
			mutate:  func(s string) string { return strings.Replace(s, "fee_bps: 30", "fee_bps: 10000", 1) },
			wantErr: "fee_bps",
		},
		{
			name:    "unknown field",
			mutate:  func(s string) string { return s + "surprise: true\n" },
			wantErr: "surprise",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bankd.yaml", tc.mutate(baseYAML)))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q in error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadAssets(t *testing.T) {
	path := writeFile(t, "assets.toml", `
[[Asset]]
Address = "0x00000000000000000000000000000000000000a3"
Symbol = " ｄａｉ "
Decimals = 18
MinDeposit = "1000"
MaxDeposit = "0"

[[Asset]]
Address = "0x00000000000000000000000000000000000000a4"
Symbol = "usdt"
Decimals = 6
`)
	assets, err := LoadAssets(path)
	if err != nil {
		t.Fatalf("load assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if assets[0].Symbol != "DAI" || assets[1].Symbol != "USDT" {
		t.Fatalf("unexpected symbols %q %q", assets[0].Symbol, assets[1].Symbol)
	}
	if assets[0].MinDeposit == nil || assets[0].MinDeposit.Dec() != "1000" {
		t.Fatalf("unexpected min deposit %v", assets[0].MinDeposit)
	}
	if assets[0].MaxDeposit != nil {
		t.Fatalf("zero max deposit should mean unbounded")
	}

	none, err := LoadAssets("")
	if err != nil || none != nil {
		t.Fatalf("expected no assets for empty path, got %v (%v)", none, err)
	}
}

func TestLoadAssetsRejectsDuplicatesAndUnknownKeys(t *testing.T) {
	dup := writeFile(t, "dup.toml", `
[[Asset]]
Address = "0x00000000000000000000000000000000000000a3"
Symbol = "DAI"
Decimals = 18

[[Asset]]
Address = "0x00000000000000000000000000000000000000A3"
Symbol = "DAI2"
Decimals = 18
`)
	if _, err := LoadAssets(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	unknown := writeFile(t, "unknown.toml", `
[[Asset]]
Address = "0x00000000000000000000000000000000000000a3"
Symbol = "DAI"
Decimals = 18
Colour = "gold"
`)
	if _, err := LoadAssets(unknown); err == nil || !strings.Contains(err.Error(), "Colour") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestSecret(t *testing.T) {
	t.Setenv("BANKD_TEST_SECRET", "  hunter2 ")
	got, err := Secret("BANKD_TEST_SECRET")
	if err != nil || got != "hunter2" {
		t.Fatalf("unexpected secret %q (%v)", got, err)
	}
	if _, err := Secret("BANKD_TEST_MISSING"); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := Secret(""); err == nil {
		t.Fatalf("expected unconfigured secret error")
	}
}
