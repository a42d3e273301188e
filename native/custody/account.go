package custody

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EngineAccount binds Holdings to the account that custodies deposits and
// satisfies the bank engine's custody port.
type EngineAccount struct {
	holdings *Holdings
	self     common.Address
}

// NewEngineAccount returns the custody view for self.
func NewEngineAccount(holdings *Holdings, self common.Address) *EngineAccount {
	return &EngineAccount{holdings: holdings, self: self}
}

// Address is the custody account.
func (a *EngineAccount) Address() common.Address {
	return a.self
}

// Pull moves a depositor's holdings into custody. The deposit request itself
// is the depositor's authorisation.
func (a *EngineAccount) Pull(_ context.Context, asset, from common.Address, amount *uint256.Int) error {
	return a.holdings.Transfer(asset, from, a.self, amount)
}

// Push sends custodied holdings to a recipient.
func (a *EngineAccount) Push(_ context.Context, asset, to common.Address, amount *uint256.Int) error {
	return a.holdings.Transfer(asset, a.self, to, amount)
}

// BalanceOf returns the custody account's holdings of asset.
func (a *EngineAccount) BalanceOf(_ context.Context, asset common.Address) (*uint256.Int, error) {
	return a.holdings.BalanceOf(asset, a.self)
}

// Approve lets spender draw amount of asset from custody.
func (a *EngineAccount) Approve(_ context.Context, asset, spender common.Address, amount *uint256.Int) error {
	return a.holdings.Approve(asset, a.self, spender, amount)
}

// Wrap converts custodied native holdings into the wrapped token.
func (a *EngineAccount) Wrap(_ context.Context, amount *uint256.Int) error {
	return a.holdings.Wrap(a.self, amount)
}

// Unwrap converts custodied wrapped holdings back to native.
func (a *EngineAccount) Unwrap(_ context.Context, amount *uint256.Int) error {
	return a.holdings.Unwrap(a.self, amount)
}
