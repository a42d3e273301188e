package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"swapbank/native/bank"
)

const aggregatorABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse aggregator abi: %v", err))
	}
	return parsed
}

// ContractCaller is the subset of the Ethereum RPC used to read an aggregator.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ChainlinkFeed reads an AggregatorV3 contract. Decimals are fetched once and
// cached for the life of the feed.
type ChainlinkFeed struct {
	caller      ContractCaller
	aggregator  common.Address
	callTimeout time.Duration

	mu       sync.Mutex
	decimals *uint8
}

var _ bank.PriceFeed = (*ChainlinkFeed)(nil)

// NewChainlinkFeed binds a feed to the aggregator at address.
func NewChainlinkFeed(caller ContractCaller, aggregator common.Address, callTimeout time.Duration) (*ChainlinkFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller required")
	}
	if aggregator == (common.Address{}) {
		return nil, fmt.Errorf("oracle: aggregator address required")
	}
	return &ChainlinkFeed{caller: caller, aggregator: aggregator, callTimeout: callTimeout}, nil
}

// LatestRoundData returns the aggregator's most recent round as reported.
// Validation is left to the price guard.
func (f *ChainlinkFeed) LatestRoundData(ctx context.Context) (bank.RoundData, error) {
	values, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return bank.RoundData{}, err
	}
	if len(values) != 5 {
		return bank.RoundData{}, fmt.Errorf("oracle: latestRoundData returned %d values", len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok || n == nil {
			return bank.RoundData{}, fmt.Errorf("oracle: latestRoundData value %d has type %T", i, v)
		}
		ints[i] = n
	}
	return bank.RoundData{
		RoundID:         ints[0],
		Answer:          ints[1],
		StartedAt:       unixTime(ints[2]),
		UpdatedAt:       unixTime(ints[3]),
		AnsweredInRound: ints[4],
	}, nil
}

// Decimals returns the aggregator's answer precision.
func (f *ChainlinkFeed) Decimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	cached := f.decimals
	f.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	values, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("oracle: decimals returned %d values", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: decimals has type %T", values[0])
	}
	f.mu.Lock()
	f.decimals = &decimals
	f.mu.Unlock()
	return decimals, nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	input, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	if f.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.callTimeout)
		defer cancel()
	}
	to := f.aggregator
	output, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s: %w", method, err)
	}
	values, err := parsedAggregatorABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	return values, nil
}

// unixTime maps a zero timestamp to the zero time so an unset round is
// detectable.
func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
