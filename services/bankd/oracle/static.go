package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"swapbank/native/bank"
)

// StaticFeed reports a fixed answer that is always current. It exists for dev
// environments without an EVM endpoint.
type StaticFeed struct {
	answer   *big.Int
	decimals uint8
	clock    func() time.Time
	round    atomic.Int64
}

var _ bank.PriceFeed = (*StaticFeed)(nil)

// NewStaticFeed builds a feed answering answer with the given precision.
func NewStaticFeed(answer *big.Int, decimals uint8) (*StaticFeed, error) {
	if answer == nil || answer.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: static answer must be positive")
	}
	return &StaticFeed{answer: new(big.Int).Set(answer), decimals: decimals, clock: time.Now}, nil
}

// LatestRoundData returns a fresh round on every call.
func (f *StaticFeed) LatestRoundData(context.Context) (bank.RoundData, error) {
	round := big.NewInt(f.round.Add(1))
	now := f.clock()
	return bank.RoundData{
		RoundID:         round,
		Answer:          new(big.Int).Set(f.answer),
		StartedAt:       now,
		UpdatedAt:       now,
		AnsweredInRound: new(big.Int).Set(round),
	}, nil
}

// Decimals returns the configured precision.
func (f *StaticFeed) Decimals(context.Context) (uint8, error) {
	return f.decimals, nil
}
