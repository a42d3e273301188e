package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// SlippageToleranceBps is the fixed shortfall accepted between the expected
	// and the measured conversion output.
	SlippageToleranceBps = 300
	bpsDenominator       = 10_000
)

// Custody moves assets held by the engine's own account.
type Custody interface {
	// Pull draws amount of asset from a depositor into the engine's holdings.
	Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error
	// Push sends amount of asset from the engine's holdings to a recipient.
	Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
	// BalanceOf returns the engine's holdings of asset.
	BalanceOf(ctx context.Context, asset common.Address) (*uint256.Int, error)
	// Approve sets the amount of asset spender may draw from the engine.
	Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error
	// Wrap converts native holdings into the wrapped token; Unwrap reverses it.
	Wrap(ctx context.Context, amount *uint256.Int) error
	Unwrap(ctx context.Context, amount *uint256.Int) error
}

// SwapRequest is an exact-input swap routed through a Venue.
type SwapRequest struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Payer        common.Address
	Recipient    common.Address
}

// SwapReceipt is the venue's own account of a swap. AmountOut is informational
// only and never used for accounting.
type SwapReceipt struct {
	ID        string
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Payer     common.Address
	Recipient common.Address
}

// Venue converts assets into the unit-of-account.
type Venue interface {
	// Address is the spender the engine approves before swapping.
	Address() common.Address
	// Swap fails with an error matching ErrInsufficientOutput when it refuses
	// to deliver less than MinAmountOut.
	Swap(ctx context.Context, req SwapRequest) (SwapReceipt, error)
	// Unwind reverses a completed swap: it draws back delivered units of the
	// output token from the recipient and returns the input.
	Unwind(ctx context.Context, receipt SwapReceipt, delivered *uint256.Int) error
}

// ExchangeConfig identifies the assets the adapter routes between.
type ExchangeConfig struct {
	Self           common.Address
	UnitAsset      common.Address
	UnitDecimals   uint8
	WrappedNative  common.Address
	NativeDecimals uint8
}

// Exchange converts deposited assets into the unit-of-account and measures the
// real output from the engine's balance delta.
type Exchange struct {
	cfg     ExchangeConfig
	custody Custody
	venue   Venue
	prices  *PriceGuard
}

// NewExchange wires the adapter to its collaborators.
func NewExchange(cfg ExchangeConfig, custody Custody, venue Venue, prices *PriceGuard) *Exchange {
	return &Exchange{cfg: cfg, custody: custody, venue: venue, prices: prices}
}

// Expected estimates the unit-of-account value of amount without executing a
// swap. Native deposits are priced through the price guard; other tokens
// assume parity adjusted only for decimal places, which is a placeholder venue
// price rather than a market quote.
func (x *Exchange) Expected(ctx context.Context, desc AssetDescriptor, amount *uint256.Int) (*uint256.Int, error) {
	switch {
	case desc.ID == x.cfg.UnitAsset:
		return new(uint256.Int).Set(amount), nil
	case desc.Kind == AssetNative:
		price, err := x.prices.CurrentPrice(ctx)
		if err != nil {
			return nil, err
		}
		num := new(big.Int).Mul(amount.ToBig(), price.Value)
		num.Mul(num, pow10(x.cfg.UnitDecimals))
		den := new(big.Int).Mul(pow10(x.cfg.NativeDecimals), pow10(price.Decimals))
		num.Quo(num, den)
		out, overflow := uint256.FromBig(num)
		if overflow {
			return nil, fmt.Errorf("%w: expected output overflows", ErrExchangeFailure)
		}
		return out, nil
	default:
		return rescale(amount, desc.Decimals, x.cfg.UnitDecimals)
	}
}

// MinAcceptableOutput applies the fixed slippage tolerance to expected.
func MinAcceptableOutput(expected *uint256.Int) *uint256.Int {
	out := new(big.Int).Mul(expected.ToBig(), big.NewInt(bpsDenominator-SlippageToleranceBps))
	out.Quo(out, big.NewInt(bpsDenominator))
	v, _ := uint256.FromBig(out)
	return v
}

// Convert swaps amount of desc into the unit-of-account. Every external effect
// is recorded in j so the caller can undo the conversion if a later step fails.
func (x *Exchange) Convert(ctx context.Context, desc AssetDescriptor, amount, expected *uint256.Int, j *journal) (SwapOutcome, error) {
	outcome := SwapOutcome{
		AssetIn:  desc.ID,
		AmountIn: new(uint256.Int).Set(amount),
		Expected: new(uint256.Int).Set(expected),
	}
	if desc.ID == x.cfg.UnitAsset {
		outcome.MinOut = new(uint256.Int).Set(amount)
		outcome.AmountOut = new(uint256.Int).Set(amount)
		return outcome, nil
	}
	if x.venue == nil {
		return SwapOutcome{}, fmt.Errorf("%w: venue not configured", ErrExchangeFailure)
	}
	tokenIn := desc.ID
	if desc.Kind == AssetNative {
		if err := x.custody.Wrap(ctx, amount); err != nil {
			return SwapOutcome{}, fmt.Errorf("%w: wrap native: %w", ErrExchangeFailure, err)
		}
		wrapped := new(uint256.Int).Set(amount)
		j.record("wrap", func(ctx context.Context) error {
			return x.custody.Unwrap(ctx, wrapped)
		})
		tokenIn = x.cfg.WrappedNative
	}
	minOut := MinAcceptableOutput(expected)
	outcome.MinOut = minOut

	spender := x.venue.Address()
	if err := x.custody.Approve(ctx, tokenIn, spender, amount); err != nil {
		return SwapOutcome{}, fmt.Errorf("%w: approve venue: %w", ErrExchangeFailure, err)
	}
	j.record("approve", func(ctx context.Context) error {
		return x.custody.Approve(ctx, tokenIn, spender, new(uint256.Int))
	})

	before, err := x.custody.BalanceOf(ctx, x.cfg.UnitAsset)
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("%w: read holdings: %w", ErrExchangeFailure, err)
	}
	receipt, err := x.venue.Swap(ctx, SwapRequest{
		TokenIn:      tokenIn,
		TokenOut:     x.cfg.UnitAsset,
		AmountIn:     new(uint256.Int).Set(amount),
		MinAmountOut: new(uint256.Int).Set(minOut),
		Payer:        x.cfg.Self,
		Recipient:    x.cfg.Self,
	})
	if errors.Is(err, ErrInsufficientOutput) {
		return SwapOutcome{}, &InsufficientOutputError{Expected: new(uint256.Int).Set(minOut), Actual: new(uint256.Int), Err: err}
	}
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("%w: swap: %w", ErrExchangeFailure, err)
	}
	after, err := x.custody.BalanceOf(ctx, x.cfg.UnitAsset)
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("%w: read holdings: %w", ErrExchangeFailure, err)
	}
	delta := new(uint256.Int)
	if after.Gt(before) {
		delta.Sub(after, before)
	}
	j.record("swap", func(ctx context.Context) error {
		return x.unwind(ctx, receipt, delta)
	})
	if after.Lt(before) {
		return SwapOutcome{}, fmt.Errorf("%w: unit holdings decreased during swap", ErrExchangeFailure)
	}
	outcome.AmountOut = delta
	if receipt.AmountOut != nil {
		outcome.Reported = new(uint256.Int).Set(receipt.AmountOut)
	}
	if delta.Lt(minOut) {
		return SwapOutcome{}, &InsufficientOutputError{Expected: new(uint256.Int).Set(minOut), Actual: new(uint256.Int).Set(delta)}
	}
	return outcome, nil
}

func (x *Exchange) unwind(ctx context.Context, receipt SwapReceipt, delivered *uint256.Int) error {
	spender := x.venue.Address()
	if !delivered.IsZero() {
		if err := x.custody.Approve(ctx, x.cfg.UnitAsset, spender, delivered); err != nil {
			return fmt.Errorf("approve unwind: %w", err)
		}
	}
	err := x.venue.Unwind(ctx, receipt, delivered)
	if !delivered.IsZero() {
		if resetErr := x.custody.Approve(ctx, x.cfg.UnitAsset, spender, new(uint256.Int)); resetErr != nil && err == nil {
			err = fmt.Errorf("reset unwind approval: %w", resetErr)
		}
	}
	return err
}

func rescale(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	out := new(big.Int).Set(amount.ToBig())
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	v, overflow := uint256.FromBig(out)
	if overflow {
		return nil, fmt.Errorf("%w: expected output overflows", ErrExchangeFailure)
	}
	return v, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
