package bank

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger holds per-principal balances and the global accounting state. All
// mutations happen from engine operations holding the Guard; the lock only
// protects concurrent readers.
type Ledger struct {
	mu          sync.RWMutex
	balances    map[common.Address]map[common.Address]*uint256.Int
	custodied   *uint256.Int
	capacity    *uint256.Int
	withdrawCap *uint256.Int
	deposits    uint64
	withdrawals uint64
}

// ledgerCheckpoint captures everything one operation may touch.
type ledgerCheckpoint struct {
	principal   common.Address
	asset       common.Address
	balance     *uint256.Int
	present     bool
	custodied   *uint256.Int
	deposits    uint64
	withdrawals uint64
}

// NewLedger returns an empty ledger with the supplied ceilings.
func NewLedger(capacity, withdrawalCeiling *uint256.Int) *Ledger {
	return &Ledger{
		balances:    make(map[common.Address]map[common.Address]*uint256.Int),
		custodied:   new(uint256.Int),
		capacity:    cloneAmount(capacity),
		withdrawCap: cloneAmount(withdrawalCeiling),
	}
}

// Balance returns a copy of the stored balance, zero when absent.
func (l *Ledger) Balance(principal, asset common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if entries, ok := l.balances[principal]; ok {
		if amount, ok := entries[asset]; ok {
			return new(uint256.Int).Set(amount)
		}
	}
	return new(uint256.Int)
}

// Totals returns a copy of the global accounting state.
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Totals{
		Custodied:         new(uint256.Int).Set(l.custodied),
		CapacityCeiling:   new(uint256.Int).Set(l.capacity),
		WithdrawalCeiling: new(uint256.Int).Set(l.withdrawCap),
		Deposits:          l.deposits,
		Withdrawals:       l.withdrawals,
	}
}

// Records lists every balance entry.
func (l *Ledger) Records() []BalanceRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BalanceRecord, 0, len(l.balances))
	for principal, entries := range l.balances {
		for asset, amount := range entries {
			out = append(out, BalanceRecord{Principal: principal, Asset: asset, Amount: new(uint256.Int).Set(amount)})
		}
	}
	return out
}

// fits reports whether adding amount keeps custodied value within capacity.
func (l *Ledger) fits(amount *uint256.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	next, overflow := new(uint256.Int).AddOverflow(l.custodied, amount)
	return !overflow && !next.Gt(l.capacity)
}

func (l *Ledger) withdrawalCeiling() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.withdrawCap)
}

func (l *Ledger) checkpoint(principal, asset common.Address) ledgerCheckpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := ledgerCheckpoint{
		principal:   principal,
		asset:       asset,
		custodied:   new(uint256.Int).Set(l.custodied),
		deposits:    l.deposits,
		withdrawals: l.withdrawals,
	}
	if entries, ok := l.balances[principal]; ok {
		if amount, ok := entries[asset]; ok {
			cp.balance = new(uint256.Int).Set(amount)
			cp.present = true
		}
	}
	return cp
}

func (l *Ledger) restore(cp ledgerCheckpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custodied = cp.custodied
	l.deposits = cp.deposits
	l.withdrawals = cp.withdrawals
	if !cp.present {
		if entries, ok := l.balances[cp.principal]; ok {
			delete(entries, cp.asset)
			if len(entries) == 0 {
				delete(l.balances, cp.principal)
			}
		}
		return
	}
	l.entriesLocked(cp.principal)[cp.asset] = cp.balance
}

// applyDeposit credits amount and returns the new balance, total and deposit
// sequence number.
func (l *Ledger) applyDeposit(principal, asset common.Address, amount *uint256.Int) (*uint256.Int, *uint256.Int, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total, overflow := new(uint256.Int).AddOverflow(l.custodied, amount)
	if overflow || total.Gt(l.capacity) {
		return nil, nil, 0, ErrBankCapExceeded
	}
	entries := l.entriesLocked(principal)
	current, ok := entries[asset]
	if !ok {
		current = new(uint256.Int)
	}
	balance, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return nil, nil, 0, fmt.Errorf("bank: balance overflow for %s", principal.Hex())
	}
	entries[asset] = balance
	l.custodied = total
	l.deposits++
	return new(uint256.Int).Set(balance), new(uint256.Int).Set(total), l.deposits, nil
}

// applyWithdrawal debits amount and returns the new balance, total and
// withdrawal sequence number.
func (l *Ledger) applyWithdrawal(principal, asset common.Address, amount *uint256.Int) (*uint256.Int, *uint256.Int, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, ok := l.balances[principal]
	if !ok {
		return nil, nil, 0, ErrInsufficientBalance
	}
	current, ok := entries[asset]
	if !ok || current.Lt(amount) {
		return nil, nil, 0, ErrInsufficientBalance
	}
	if l.custodied.Lt(amount) {
		return nil, nil, 0, fmt.Errorf("bank: custodied total below withdrawal amount")
	}
	balance := new(uint256.Int).Sub(current, amount)
	entries[asset] = balance
	l.custodied = new(uint256.Int).Sub(l.custodied, amount)
	l.withdrawals++
	return new(uint256.Int).Set(balance), new(uint256.Int).Set(l.custodied), l.withdrawals, nil
}

func (l *Ledger) load(state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balances := make(map[common.Address]map[common.Address]*uint256.Int)
	sum := new(uint256.Int)
	for _, record := range state.Balances {
		if record.Amount == nil {
			continue
		}
		entries, ok := balances[record.Principal]
		if !ok {
			entries = make(map[common.Address]*uint256.Int)
			balances[record.Principal] = entries
		}
		entries[record.Asset] = new(uint256.Int).Set(record.Amount)
		var overflow bool
		if sum, overflow = new(uint256.Int).AddOverflow(sum, record.Amount); overflow {
			return fmt.Errorf("bank: persisted balances overflow")
		}
	}
	custodied := cloneAmount(state.Custodied)
	if !custodied.Eq(sum) {
		return fmt.Errorf("bank: persisted total %s does not match balances %s", custodied.Dec(), sum.Dec())
	}
	l.balances = balances
	l.custodied = custodied
	l.deposits = state.Deposits
	l.withdrawals = state.Withdrawals
	return nil
}

func (l *Ledger) entriesLocked(principal common.Address) map[common.Address]*uint256.Int {
	entries, ok := l.balances[principal]
	if !ok {
		entries = make(map[common.Address]*uint256.Int)
		l.balances[principal] = entries
	}
	return entries
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
