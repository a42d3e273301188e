package bank

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// NotificationKind labels an observable side effect of a committed operation.
type NotificationKind string

const (
	NotificationDeposit         NotificationKind = "deposit"
	NotificationWithdrawal      NotificationKind = "withdrawal"
	NotificationConversion      NotificationKind = "conversion"
	NotificationAssetRegistered NotificationKind = "asset_registered"
)

// Notification describes a committed deposit, withdrawal, conversion or asset
// registration. AmountIn/AmountOut are in the input asset and the
// unit-of-account respectively; withdrawals only set AmountOut.
type Notification struct {
	ID        common.Hash
	Kind      NotificationKind
	Principal common.Address
	Asset     common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	// Sequence is the deposit or withdrawal counter value after the
	// operation. Asset registrations carry zero.
	Sequence  uint64
	Receipt   string
	Timestamp time.Time
}

// Publisher receives notifications after an operation commits.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, n Notification) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, n Notification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}

type notificationRLP struct {
	Kind      string
	Principal common.Address
	Asset     common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Sequence  uint64
	Receipt   string
	Timestamp uint64
}

// computeID derives the notification id from the keccak256 hash of its RLP
// encoding.
func (n Notification) computeID() (common.Hash, error) {
	payload := notificationRLP{
		Kind:      string(n.Kind),
		Principal: n.Principal,
		Asset:     n.Asset,
		AmountIn:  amountBig(n.AmountIn),
		AmountOut: amountBig(n.AmountOut),
		Sequence:  n.Sequence,
		Receipt:   n.Receipt,
		Timestamp: uint64(n.Timestamp.UnixNano()),
	}
	encoded, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func amountBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
