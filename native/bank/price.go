package bank

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// QuoteFreshness is the maximum age of a usable reference price. A quote whose
// age equals the window is already stale.
const QuoteFreshness = time.Hour

// PriceFeed is the read-only quote source for the native asset.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (RoundData, error)
	Decimals(ctx context.Context) (uint8, error)
}

// PriceGuard validates quotes read from a PriceFeed and fails closed.
type PriceGuard struct {
	feed   PriceFeed
	maxAge time.Duration
	clock  func() time.Time
}

// NewPriceGuard wraps feed with the default freshness window.
func NewPriceGuard(feed PriceFeed) *PriceGuard {
	return &PriceGuard{feed: feed, maxAge: QuoteFreshness, clock: time.Now}
}

// SetClock overrides the time source used for staleness checks.
func (g *PriceGuard) SetClock(clock func() time.Time) {
	if clock != nil {
		g.clock = clock
	}
}

// CurrentPrice reads the latest round and returns it if it is complete, positive
// and fresh.
func (g *PriceGuard) CurrentPrice(ctx context.Context) (Price, error) {
	if g == nil || g.feed == nil {
		return Price{}, fmt.Errorf("%w: price feed not configured", ErrInvalidQuote)
	}
	round, err := g.feed.LatestRoundData(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("%w: read round: %w", ErrInvalidQuote, err)
	}
	if err := validateRound(round); err != nil {
		return Price{}, err
	}
	now := g.clock()
	if round.UpdatedAt.After(now) {
		return Price{}, fmt.Errorf("%w: updated in the future", ErrInvalidQuote)
	}
	if age := now.Sub(round.UpdatedAt); age >= g.maxAge {
		return Price{}, fmt.Errorf("%w: age %s", ErrStaleQuote, age.Truncate(time.Second))
	}
	decimals, err := g.feed.Decimals(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("%w: read decimals: %w", ErrInvalidQuote, err)
	}
	return Price{
		Value:     new(big.Int).Set(round.Answer),
		Decimals:  decimals,
		RoundID:   new(big.Int).Set(round.RoundID),
		UpdatedAt: round.UpdatedAt,
	}, nil
}

func validateRound(round RoundData) error {
	switch {
	case round.Answer == nil || round.Answer.Sign() <= 0:
		return fmt.Errorf("%w: non-positive answer", ErrInvalidQuote)
	case round.RoundID == nil || round.RoundID.Sign() == 0:
		return fmt.Errorf("%w: zero round id", ErrInvalidQuote)
	case round.AnsweredInRound == nil || round.AnsweredInRound.Cmp(round.RoundID) < 0:
		return fmt.Errorf("%w: round incomplete", ErrInvalidQuote)
	case round.UpdatedAt.IsZero():
		return fmt.Errorf("%w: missing update timestamp", ErrInvalidQuote)
	}
	return nil
}
