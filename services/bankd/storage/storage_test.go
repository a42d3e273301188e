package storage

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swapbank/native/bank"
	"swapbank/native/custody"
	kv "swapbank/storage"
)

var (
	unitAsset = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wrapped   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	daiAsset  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	self      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := Open(MemoryDSN(fmt.Sprintf("bankd-%s-%d", name, time.Now().UnixNano())))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	if _, err := FileDSN(""); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired from FileDSN, got %v", err)
	}
	dsn, err := FileDSN("bankd.sqlite")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "_journal_mode=WAL") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}

func TestCommitLedgerAndLoadState(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatalf("load empty state: %v", err)
	}
	if len(state.Balances) != 0 || !state.Custodied.IsZero() {
		t.Fatalf("expected empty state, got %+v", state)
	}

	commit := bank.LedgerCommit{
		Balance: bank.BalanceRecord{Principal: alice, Asset: unitAsset, Amount: uint256.NewInt(750)},
		Totals:  bank.Totals{Custodied: uint256.NewInt(750), Deposits: 2, Withdrawals: 1},
	}
	if err := store.CommitLedger(ctx, commit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	commit.Balance.Amount = uint256.NewInt(500)
	commit.Totals = bank.Totals{Custodied: uint256.NewInt(500), Deposits: 2, Withdrawals: 2}
	if err := store.CommitLedger(ctx, commit); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	state, err = store.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Balances) != 1 {
		t.Fatalf("expected one balance, got %d", len(state.Balances))
	}
	got := state.Balances[0]
	if got.Principal != alice || got.Asset != unitAsset || !got.Amount.Eq(uint256.NewInt(500)) {
		t.Fatalf("unexpected balance %+v", got)
	}
	if !state.Custodied.Eq(uint256.NewInt(500)) || state.Deposits != 2 || state.Withdrawals != 2 {
		t.Fatalf("unexpected totals %s/%d/%d", state.Custodied.Dec(), state.Deposits, state.Withdrawals)
	}

	commit.Balance.Amount = new(uint256.Int)
	commit.Totals = bank.Totals{Custodied: new(uint256.Int), Deposits: 2, Withdrawals: 3}
	if err := store.CommitLedger(ctx, commit); err != nil {
		t.Fatalf("zero commit: %v", err)
	}
	state, err = store.LoadState(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(state.Balances) != 0 || state.Withdrawals != 3 {
		t.Fatalf("expected drained ledger, got %+v", state)
	}
}

func TestCommitLedgerHonoursCancelledContext(t *testing.T) {
	store := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.CommitLedger(ctx, bank.LedgerCommit{
		Balance: bank.BalanceRecord{Principal: alice, Asset: unitAsset, Amount: uint256.NewInt(1)},
		Totals:  bank.Totals{Custodied: uint256.NewInt(1), Deposits: 1},
	})
	if err == nil {
		t.Fatalf("expected cancelled commit to fail")
	}
	state, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Balances) != 0 || state.Deposits != 0 {
		t.Fatalf("cancelled commit leaked state: %+v", state)
	}
}

func TestSaveAssetRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	desc := bank.AssetDescriptor{
		ID:         daiAsset,
		Symbol:     "DAI",
		Kind:       bank.AssetToken,
		Decimals:   18,
		Supported:  true,
		MinDeposit: uint256.NewInt(1_000),
	}
	if err := store.SaveAsset(ctx, desc); err != nil {
		t.Fatalf("save asset: %v", err)
	}
	desc.Symbol = "XDAI"
	if err := store.SaveAsset(ctx, desc); err != nil {
		t.Fatalf("update asset: %v", err)
	}
	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(state.Assets))
	}
	got := state.Assets[0]
	if got.ID != daiAsset || got.Symbol != "XDAI" || got.Decimals != 18 || !got.Supported {
		t.Fatalf("unexpected asset %+v", got)
	}
	if got.MinDeposit == nil || !got.MinDeposit.Eq(uint256.NewInt(1_000)) || got.MaxDeposit != nil {
		t.Fatalf("unexpected bounds %v/%v", got.MinDeposit, got.MaxDeposit)
	}
}

type staticFeed struct{}

func (staticFeed) LatestRoundData(context.Context) (bank.RoundData, error) {
	now := time.Now()
	return bank.RoundData{
		RoundID:         big.NewInt(1),
		Answer:          big.NewInt(2000_00000000),
		StartedAt:       now,
		UpdatedAt:       now,
		AnsweredInRound: big.NewInt(1),
	}, nil
}

func (staticFeed) Decimals(context.Context) (uint8, error) { return 8, nil }

func newEngine(t *testing.T, store *Storage, holdings *custody.Holdings) *bank.Engine {
	t.Helper()
	engine, err := bank.New(bank.Config{
		Self:              self,
		UnitAsset:         unitAsset,
		UnitSymbol:        "USDC",
		UnitDecimals:      6,
		WrappedNative:     wrapped,
		NativeSymbol:      "ETH",
		NativeDecimals:    18,
		CapacityCeiling:   uint256.NewInt(1_000_000),
		WithdrawalCeiling: uint256.NewInt(100_000),
	}, custody.NewEngineAccount(holdings, self), nil, staticFeed{}, bank.WithStore(store))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestEngineStateSurvivesRestart(t *testing.T) {
	store := openTestDB(t)
	holdings := custody.NewHoldings(kv.NewMemDB(), wrapped)
	ctx := context.Background()
	if err := holdings.Mint(unitAsset, alice, uint256.NewInt(5_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	first := newEngine(t, store, holdings)
	if err := first.RegisterAsset(ctx, bank.AssetDescriptor{ID: daiAsset, Symbol: "dai", Kind: bank.AssetToken, Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := first.DepositAsset(ctx, alice, unitAsset, uint256.NewInt(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := first.Withdraw(ctx, alice, uint256.NewInt(1_200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	second := newEngine(t, store, holdings)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := second.BalanceOf(alice, unitAsset); !got.Eq(uint256.NewInt(3_800)) {
		t.Fatalf("expected restored balance 3800, got %s", got.Dec())
	}
	totals := second.Totals()
	if !totals.Custodied.Eq(uint256.NewInt(3_800)) || totals.Deposits != 1 || totals.Withdrawals != 1 {
		t.Fatalf("unexpected restored totals %+v", totals)
	}
	desc, err := second.Describe(daiAsset)
	if err != nil {
		t.Fatalf("describe restored asset: %v", err)
	}
	if desc.Symbol != "DAI" {
		t.Fatalf("unexpected restored symbol %q", desc.Symbol)
	}
}
