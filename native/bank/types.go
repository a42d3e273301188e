package bank

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeAsset identifies the platform's base asset. It is always registered.
var NativeAsset = common.Address{}

// AssetKind distinguishes the native asset from fungible tokens.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetToken
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetToken:
		return "token"
	default:
		return "unknown"
	}
}

// AssetDescriptor records a recognised asset. MinDeposit and MaxDeposit are
// expressed in the asset's own base units; a zero or nil bound is unbounded.
type AssetDescriptor struct {
	ID         common.Address
	Symbol     string
	Kind       AssetKind
	Decimals   uint8
	Supported  bool
	MinDeposit *uint256.Int
	MaxDeposit *uint256.Int
}

func (d AssetDescriptor) clone() AssetDescriptor {
	out := d
	if d.MinDeposit != nil {
		out.MinDeposit = new(uint256.Int).Set(d.MinDeposit)
	}
	if d.MaxDeposit != nil {
		out.MaxDeposit = new(uint256.Int).Set(d.MaxDeposit)
	}
	return out
}

// RoundData mirrors an aggregator's latest round response.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Price is a validated reference price for the native asset denominated in the
// unit-of-account, scaled by 10^Decimals.
type Price struct {
	Value     *big.Int
	Decimals  uint8
	RoundID   *big.Int
	UpdatedAt time.Time
}

// SwapOutcome is the measured result of a conversion. AmountOut is the change
// in the engine's unit-of-account holdings, never the venue's reported figure.
type SwapOutcome struct {
	AssetIn   common.Address
	AmountIn  *uint256.Int
	Expected  *uint256.Int
	MinOut    *uint256.Int
	AmountOut *uint256.Int
	Reported  *uint256.Int
}

// Receipt is returned for every committed deposit or withdrawal.
type Receipt struct {
	ID        string
	Principal common.Address
	Asset     common.Address
	AmountIn  *uint256.Int
	Credited  *uint256.Int
	Debited   *uint256.Int
	Balance   *uint256.Int
	Total     *uint256.Int
	Sequence  uint64
	Swap      *SwapOutcome
	Timestamp time.Time
}

// Totals is a copy of the global accounting state.
type Totals struct {
	Custodied         *uint256.Int
	CapacityCeiling   *uint256.Int
	WithdrawalCeiling *uint256.Int
	Deposits          uint64
	Withdrawals       uint64
}

// BalanceRecord is the persisted form of one principal balance entry.
type BalanceRecord struct {
	Principal common.Address
	Asset     common.Address
	Amount    *uint256.Int
}

// State is the persisted snapshot used to restore an engine on start.
type State struct {
	Balances    []BalanceRecord
	Custodied   *uint256.Int
	Deposits    uint64
	Withdrawals uint64
	Assets      []AssetDescriptor
}
