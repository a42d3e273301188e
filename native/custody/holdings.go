package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"swapbank/storage"
)

var (
	ErrInsufficientFunds     = errors.New("custody: insufficient funds")
	ErrInsufficientAllowance = errors.New("custody: insufficient allowance")
	ErrInvalidAmount         = errors.New("custody: invalid amount")
	ErrOverflow              = errors.New("custody: balance overflow")
)

var (
	balancePrefix   = []byte("custody/balance/")
	allowancePrefix = []byte("custody/allowance/")
)

// NativeToken is the token id used for native holdings.
var NativeToken = common.Address{}

// Holdings is a multi-account token ledger persisted in a storage.Database.
// Every mutating call is applied under one lock and either writes all of its
// keys or none of them.
type Holdings struct {
	mu      sync.Mutex
	db      storage.Database
	wrapped common.Address
}

// NewHoldings returns a ledger backed by db. wrapped is the token id that
// native holdings are wrapped into.
func NewHoldings(db storage.Database, wrapped common.Address) *Holdings {
	return &Holdings{db: db, wrapped: wrapped}
}

// WrappedNative returns the token id of wrapped native holdings.
func (h *Holdings) WrappedNative() common.Address {
	return h.wrapped
}

// BalanceOf returns account's holdings of token.
func (h *Holdings) BalanceOf(token, account common.Address) (*uint256.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read(balanceKey(token, account))
}

// Allowance returns the amount spender may draw from owner.
func (h *Holdings) Allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read(allowanceKey(token, owner, spender))
}

// Mint credits account with newly issued holdings. It is used to seed venues
// and by the development faucet.
func (h *Holdings) Mint(token, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := balanceKey(token, account)
	current, err := h.read(key)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return ErrOverflow
	}
	return h.write(map[string]*uint256.Int{string(key): next})
}

// Transfer moves amount of token from one account to another.
func (h *Holdings) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transferLocked(token, from, to, amount)
}

// Approve sets the amount of token spender may draw from owner.
func (h *Holdings) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		amount = new(uint256.Int)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.write(map[string]*uint256.Int{string(allowanceKey(token, owner, spender)): new(uint256.Int).Set(amount)})
}

// TransferFrom moves amount of token from owner to to, consuming spender's
// allowance.
func (h *Holdings) TransferFrom(token, spender, owner, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	akey := allowanceKey(token, owner, spender)
	allowance, err := h.read(akey)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s < %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
	}
	updates, err := h.transferUpdates(token, owner, to, amount)
	if err != nil {
		return err
	}
	updates[string(akey)] = new(uint256.Int).Sub(allowance, amount)
	return h.write(updates)
}

// Wrap converts amount of account's native holdings into the wrapped token.
func (h *Holdings) Wrap(account common.Address, amount *uint256.Int) error {
	return h.swapTokens(account, NativeToken, h.wrapped, amount)
}

// Unwrap converts amount of account's wrapped holdings back into native.
func (h *Holdings) Unwrap(account common.Address, amount *uint256.Int) error {
	return h.swapTokens(account, h.wrapped, NativeToken, amount)
}

func (h *Holdings) swapTokens(account, fromToken, toToken common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fromKey := balanceKey(fromToken, account)
	toKey := balanceKey(toToken, account)
	fromBal, err := h.read(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s < %s", ErrInsufficientFunds, fromBal.Dec(), amount.Dec())
	}
	toBal, err := h.read(toKey)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrOverflow
	}
	return h.write(map[string]*uint256.Int{
		string(fromKey): new(uint256.Int).Sub(fromBal, amount),
		string(toKey):   next,
	})
}

func (h *Holdings) transferLocked(token, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	updates, err := h.transferUpdates(token, from, to, amount)
	if err != nil {
		return err
	}
	return h.write(updates)
}

func (h *Holdings) transferUpdates(token, from, to common.Address, amount *uint256.Int) (map[string]*uint256.Int, error) {
	fromKey := balanceKey(token, from)
	fromBal, err := h.read(fromKey)
	if err != nil {
		return nil, err
	}
	if fromBal.Lt(amount) {
		return nil, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	if from == to {
		return map[string]*uint256.Int{}, nil
	}
	toKey := balanceKey(token, to)
	toBal, err := h.read(toKey)
	if err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return nil, ErrOverflow
	}
	return map[string]*uint256.Int{
		string(fromKey): new(uint256.Int).Sub(fromBal, amount),
		string(toKey):   next,
	}, nil
}

func (h *Holdings) read(key []byte) (*uint256.Int, error) {
	raw, err := h.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("custody: read: %w", err)
	}
	return decodeAmount(raw)
}

// write applies updates and restores the previous values if any write fails.
func (h *Holdings) write(updates map[string]*uint256.Int) error {
	previous := make(map[string][]byte, len(updates))
	for key := range updates {
		raw, err := h.db.Get([]byte(key))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			previous[key] = nil
		case err != nil:
			return fmt.Errorf("custody: read: %w", err)
		default:
			previous[key] = raw
		}
	}
	written := make([]string, 0, len(updates))
	for key, amount := range updates {
		encoded, err := encodeAmount(amount)
		if err == nil {
			err = h.db.Put([]byte(key), encoded)
		}
		if err != nil {
			for _, done := range written {
				h.restoreKey(done, previous[done])
			}
			return fmt.Errorf("custody: write: %w", err)
		}
		written = append(written, key)
	}
	return nil
}

func (h *Holdings) restoreKey(key string, raw []byte) {
	if raw == nil {
		_ = h.db.Delete([]byte(key))
		return
	}
	_ = h.db.Put([]byte(key), raw)
}

func encodeAmount(v *uint256.Int) ([]byte, error) {
	return rlp.EncodeToBytes(v.ToBig())
}

func decodeAmount(raw []byte) (*uint256.Int, error) {
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("custody: decode amount: %w", err)
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func balanceKey(token, account common.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+2*common.AddressLength)
	key = append(key, balancePrefix...)
	key = append(key, token.Bytes()...)
	return append(key, account.Bytes()...)
}

func allowanceKey(token, owner, spender common.Address) []byte {
	key := make([]byte, 0, len(allowancePrefix)+3*common.AddressLength)
	key = append(key, allowancePrefix...)
	key = append(key, token.Bytes()...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}
