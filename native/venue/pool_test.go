package venue

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"swapbank/native/bank"
	"swapbank/native/custody"
	"swapbank/storage"
)

var (
	stable   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wrapped  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	engineID = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	venueID  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func units(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTestVenue(t *testing.T) (*Venue, *custody.Holdings) {
	t.Helper()
	db := storage.NewMemDB()
	holdings := custody.NewHoldings(db, wrapped)
	return New(venueID, holdings, db), holdings
}

func seedPool(t *testing.T, v *Venue, tokenA, tokenB common.Address, reserveA, reserveB *uint256.Int, feeBps uint64) {
	t.Helper()
	restored, err := v.Seed(tokenA, tokenB, reserveA, reserveB, feeBps)
	require.NoError(t, err)
	require.False(t, restored)
}

func TestSeedValidation(t *testing.T) {
	v, _ := newTestVenue(t)
	_, err := v.Seed(stable, stable, units(1), units(1), 30)
	require.Error(t, err)
	_, err = v.Seed(stable, dai, units(1), units(1), 10_000)
	require.ErrorIs(t, err, ErrInvalidFee)
	_, err = v.Seed(stable, dai, units(0), units(1), 30)
	require.ErrorIs(t, err, ErrInsufficientLiquid)
	seedPool(t, v, stable, dai, units(1_000_000), units(1_000_000), 30)
	_, err = v.Seed(dai, stable, units(1), units(1), 30)
	require.ErrorIs(t, err, ErrPoolExists)

	pools := v.Pools()
	require.Len(t, pools, 1)
	require.Equal(t, uint64(30), pools[0].FeeBps)
	require.True(t, pools[0].ReserveA.Eq(units(1_000_000)))
}

func TestQuoteMatchesConstantProduct(t *testing.T) {
	v, _ := newTestVenue(t)
	seedPool(t, v, stable, dai, units(1_000_000), units(1_000_000), 30)
	out, err := v.Quote(dai, stable, units(10_000))
	require.NoError(t, err)
	// 10000*0.997*1e6 / (1e6 + 9970) floors to 9871.
	require.Equal(t, "9871", out.Dec())

	_, err = v.Quote(dai, wrapped, units(1))
	require.ErrorIs(t, err, ErrNoPool)
}

func TestSwapAndUnwind(t *testing.T) {
	v, holdings := newTestVenue(t)
	seedPool(t, v, stable, dai, units(1_000_000), units(1_000_000), 0)
	require.NoError(t, holdings.Mint(dai, alice, units(1_000)))

	req := bank.SwapRequest{
		TokenIn:      dai,
		TokenOut:     stable,
		AmountIn:     units(1_000),
		MinAmountOut: units(990),
		Payer:        alice,
		Recipient:    alice,
	}
	_, err := v.Swap(context.Background(), req)
	require.ErrorIs(t, err, custody.ErrInsufficientAllowance)

	require.NoError(t, holdings.Approve(dai, alice, venueID, units(1_000)))
	receipt, err := v.Swap(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.ID)
	require.Equal(t, "999", receipt.AmountOut.Dec())

	got, err := holdings.BalanceOf(stable, alice)
	require.NoError(t, err)
	require.True(t, got.Eq(units(999)))

	require.NoError(t, holdings.Approve(stable, alice, venueID, units(999)))
	require.NoError(t, v.Unwind(context.Background(), receipt, units(999)))
	got, err = holdings.BalanceOf(dai, alice)
	require.NoError(t, err)
	require.True(t, got.Eq(units(1_000)))
	pools := v.Pools()
	require.True(t, pools[0].ReserveA.Eq(units(1_000_000)))
	require.True(t, pools[0].ReserveB.Eq(units(1_000_000)))

	require.ErrorIs(t, v.Unwind(context.Background(), receipt, units(1)), ErrUnknownSwap)
}

func TestSwapEnforcesMinimum(t *testing.T) {
	v, holdings := newTestVenue(t)
	seedPool(t, v, stable, dai, units(1_000), units(1_000), 0)
	require.NoError(t, holdings.Mint(dai, alice, units(100)))
	require.NoError(t, holdings.Approve(dai, alice, venueID, units(100)))
	_, err := v.Swap(context.Background(), bank.SwapRequest{
		TokenIn:      dai,
		TokenOut:     stable,
		AmountIn:     units(100),
		MinAmountOut: units(95),
		Payer:        alice,
		Recipient:    alice,
	})
	require.ErrorIs(t, err, ErrTooLittleReceived)
	got, err := holdings.BalanceOf(dai, alice)
	require.NoError(t, err)
	require.True(t, got.Eq(units(100)))
}

func TestSeedResumesPersistedPool(t *testing.T) {
	path := t.TempDir()
	db, err := storage.NewLevelDB(path, false)
	require.NoError(t, err)
	holdings := custody.NewHoldings(db, wrapped)
	v := New(venueID, holdings, db)
	seedPool(t, v, stable, dai, units(1_000_000), units(1_000_000), 30)
	require.NoError(t, holdings.Mint(dai, alice, units(100_000)))
	require.NoError(t, holdings.Approve(dai, alice, venueID, units(100_000)))
	_, err = v.Swap(context.Background(), bank.SwapRequest{
		TokenIn:   dai,
		TokenOut:  stable,
		AmountIn:  units(100_000),
		Payer:     alice,
		Recipient: alice,
	})
	require.NoError(t, err)
	before := v.Pools()
	require.Len(t, before, 1)
	db.Close()

	db, err = storage.NewLevelDB(path, false)
	require.NoError(t, err)
	defer db.Close()
	holdings = custody.NewHoldings(db, wrapped)
	v = New(venueID, holdings, db)
	restored, err := v.Seed(stable, dai, units(1_000_000), units(1_000_000), 30)
	require.NoError(t, err)
	require.True(t, restored)

	after := v.Pools()
	require.Len(t, after, 1)
	require.True(t, after[0].ReserveA.Eq(before[0].ReserveA))
	require.True(t, after[0].ReserveB.Eq(before[0].ReserveB))
	require.Equal(t, uint64(30), after[0].FeeBps)
	require.True(t, after[0].ReserveB.Eq(units(1_100_000)))

	heldStable, err := holdings.BalanceOf(stable, venueID)
	require.NoError(t, err)
	require.True(t, heldStable.Eq(after[0].ReserveA), "stable holdings %s, reserve %s", heldStable.Dec(), after[0].ReserveA.Dec())
	heldDai, err := holdings.BalanceOf(dai, venueID)
	require.NoError(t, err)
	require.True(t, heldDai.Eq(after[0].ReserveB), "dai holdings %s, reserve %s", heldDai.Dec(), after[0].ReserveB.Dec())
}

func TestRecentSwapsBounded(t *testing.T) {
	v, _ := newTestVenue(t)
	for i := 0; i < recentSwaps+5; i++ {
		v.remember(bank.SwapReceipt{ID: fmt.Sprintf("swap-%d", i)})
	}
	require.Len(t, v.swaps, recentSwaps)
	require.Len(t, v.order, recentSwaps)
}

type fixedFeed struct {
	answer  int64
	updated time.Time
}

func (f fixedFeed) LatestRoundData(context.Context) (bank.RoundData, error) {
	return bank.RoundData{
		RoundID:         big.NewInt(1),
		Answer:          big.NewInt(f.answer),
		StartedAt:       f.updated,
		UpdatedAt:       f.updated,
		AnsweredInRound: big.NewInt(1),
	}, nil
}

func (fixedFeed) Decimals(context.Context) (uint8, error) { return 8, nil }

// TestEngineAgainstPools drives the bank engine through real holdings and
// pools, including an unwound conversion.
func TestEngineAgainstPools(t *testing.T) {
	db := storage.NewMemDB()
	holdings := custody.NewHoldings(db, wrapped)
	pools := New(venueID, holdings, db)
	eth := new(uint256.Int).Mul(units(1_000_000_000_000_000_000), units(1_000))
	seedPool(t, pools, wrapped, stable, eth, units(2_000_000_000_000), 0)
	seedPool(t, pools, dai, stable, units(1_000_000_000_000), units(500_000_000_000), 0)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine, err := bank.New(bank.Config{
		Self:              engineID,
		UnitAsset:         stable,
		UnitSymbol:        "usdc",
		UnitDecimals:      6,
		WrappedNative:     wrapped,
		NativeSymbol:      "eth",
		NativeDecimals:    18,
		CapacityCeiling:   units(1_000_000_000_000),
		WithdrawalCeiling: units(10_000_000_000),
	}, custody.NewEngineAccount(holdings, engineID), pools,
		fixedFeed{answer: 2000_00000000, updated: now.Add(-time.Minute)},
		bank.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	oneEther := units(1_000_000_000_000_000_000)
	require.NoError(t, holdings.Mint(custody.NativeToken, alice, oneEther))
	receipt, err := engine.DepositNative(ctx, alice, oneEther)
	require.NoError(t, err)
	require.Equal(t, "1998001998", receipt.Credited.Dec())
	held, err := holdings.BalanceOf(stable, engineID)
	require.NoError(t, err)
	require.True(t, held.Eq(receipt.Credited))

	// The dai pool trades at half parity, far outside tolerance.
	require.NoError(t, engine.RegisterAsset(ctx, bank.AssetDescriptor{ID: dai, Symbol: "dai", Kind: bank.AssetToken, Decimals: 6}))
	require.NoError(t, holdings.Mint(dai, alice, units(1_000_000)))
	_, err = engine.DepositAsset(ctx, alice, dai, units(1_000_000))
	require.ErrorIs(t, err, bank.ErrInsufficientOutput)
	require.ErrorIs(t, err, ErrTooLittleReceived)
	require.NotErrorIs(t, err, bank.ErrExchangeFailure)
	require.Equal(t, "insufficient_output", bank.ErrorReason(err))
	back, err := holdings.BalanceOf(dai, alice)
	require.NoError(t, err)
	require.True(t, back.Eq(units(1_000_000)))

	_, err = engine.Withdraw(ctx, alice, units(1_000_000_000))
	require.NoError(t, err)
	paid, err := holdings.BalanceOf(stable, alice)
	require.NoError(t, err)
	require.True(t, paid.Eq(units(1_000_000_000)))
	require.Equal(t, "998001998", engine.BalanceOf(alice, stable).Dec())
	require.True(t, engine.Totals().Custodied.Eq(engine.BalanceOf(alice, stable)))
}
