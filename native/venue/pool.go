package venue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"swapbank/native/bank"
	"swapbank/native/custody"
	"swapbank/storage"
)

const (
	bpsDenominator = 10_000
	// recentSwaps bounds how many receipts stay eligible for Unwind.
	recentSwaps = 1024
)

var poolPrefix = []byte("venue/pool/")

var (
	ErrNoPool             = errors.New("venue: no pool for pair")
	ErrPoolExists         = errors.New("venue: pool already exists")
	ErrTooLittleReceived  = fmt.Errorf("venue: output below minimum: %w", bank.ErrInsufficientOutput)
	ErrInsufficientLiquid = errors.New("venue: insufficient liquidity")
	ErrUnknownSwap        = errors.New("venue: unknown swap")
	ErrInvalidFee         = errors.New("venue: invalid fee")
)

type pairKey struct {
	token0 common.Address
	token1 common.Address
}

func keyFor(a, b common.Address) pairKey {
	if a.Cmp(b) < 0 {
		return pairKey{token0: a, token1: b}
	}
	return pairKey{token0: b, token1: a}
}

type pool struct {
	reserves map[common.Address]*uint256.Int
	feeBps   uint64
}

// storedPool is the persisted form of a pool, keyed by its ordered pair.
type storedPool struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeBps   uint64
}

type swapRecord struct {
	receipt bank.SwapReceipt
}

// PoolInfo is a copy of one pool's state.
type PoolInfo struct {
	TokenA   common.Address
	TokenB   common.Address
	ReserveA *uint256.Int
	ReserveB *uint256.Int
	FeeBps   uint64
}

// Venue is an in-process set of constant-product pools whose reserves are held
// by the venue's own custody account. Reserves are written to db alongside the
// holdings so a restarted venue resumes at the same prices.
type Venue struct {
	mu       sync.Mutex
	address  common.Address
	holdings *custody.Holdings
	db       storage.Database
	pools    map[pairKey]*pool
	swaps    map[string]swapRecord
	order    []string
}

// New returns an empty venue trading from address. db should be the database
// backing holdings.
func New(address common.Address, holdings *custody.Holdings, db storage.Database) *Venue {
	return &Venue{
		address:  address,
		holdings: holdings,
		db:       db,
		pools:    make(map[pairKey]*pool),
		swaps:    make(map[string]swapRecord),
	}
}

// Address is the venue account that depositors approve.
func (v *Venue) Address() common.Address {
	return v.address
}

// Seed creates a pool and mints its initial reserves into the venue account.
// A pool already persisted by an earlier run is loaded with its stored
// reserves and fee instead, and nothing is minted. It reports whether the pool
// was restored.
func (v *Venue) Seed(tokenA, tokenB common.Address, reserveA, reserveB *uint256.Int, feeBps uint64) (bool, error) {
	if tokenA == tokenB {
		return false, fmt.Errorf("venue: pool tokens must differ")
	}
	if feeBps >= bpsDenominator {
		return false, ErrInvalidFee
	}
	if reserveA == nil || reserveB == nil || reserveA.IsZero() || reserveB.IsZero() {
		return false, ErrInsufficientLiquid
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := keyFor(tokenA, tokenB)
	if _, ok := v.pools[key]; ok {
		return false, ErrPoolExists
	}
	stored, found, err := v.load(key)
	if err != nil {
		return false, err
	}
	if found {
		v.pools[key] = stored
		return true, nil
	}
	p := &pool{
		reserves: map[common.Address]*uint256.Int{
			tokenA: new(uint256.Int).Set(reserveA),
			tokenB: new(uint256.Int).Set(reserveB),
		},
		feeBps: feeBps,
	}
	if err := v.holdings.Mint(tokenA, v.address, reserveA); err != nil {
		return false, fmt.Errorf("venue: seed %s: %w", tokenA.Hex(), err)
	}
	if err := v.holdings.Mint(tokenB, v.address, reserveB); err != nil {
		return false, fmt.Errorf("venue: seed %s: %w", tokenB.Hex(), err)
	}
	if err := v.save(key, p.reserves, p.feeBps); err != nil {
		return false, err
	}
	v.pools[key] = p
	return false, nil
}

// Pools lists every pool.
func (v *Venue) Pools() []PoolInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PoolInfo, 0, len(v.pools))
	for key, p := range v.pools {
		out = append(out, PoolInfo{
			TokenA:   key.token0,
			TokenB:   key.token1,
			ReserveA: new(uint256.Int).Set(p.reserves[key.token0]),
			ReserveB: new(uint256.Int).Set(p.reserves[key.token1]),
			FeeBps:   p.feeBps,
		})
	}
	return out
}

// Quote returns the output of an exact-input swap at current reserves.
func (v *Venue) Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pools[keyFor(tokenIn, tokenOut)]
	if !ok {
		return nil, ErrNoPool
	}
	return amountOut(amountIn, p.reserves[tokenIn], p.reserves[tokenOut], p.feeBps)
}

// Swap executes an exact-input swap. The input is drawn from the payer using
// the allowance granted to the venue and the output is sent to the recipient.
func (v *Venue) Swap(_ context.Context, req bank.SwapRequest) (bank.SwapReceipt, error) {
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return bank.SwapReceipt{}, custody.ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pools[keyFor(req.TokenIn, req.TokenOut)]
	if !ok {
		return bank.SwapReceipt{}, fmt.Errorf("%w: %s/%s", ErrNoPool, req.TokenIn.Hex(), req.TokenOut.Hex())
	}
	reserveIn, reserveOut := p.reserves[req.TokenIn], p.reserves[req.TokenOut]
	out, err := amountOut(req.AmountIn, reserveIn, reserveOut, p.feeBps)
	if err != nil {
		return bank.SwapReceipt{}, err
	}
	if req.MinAmountOut != nil && out.Lt(req.MinAmountOut) {
		return bank.SwapReceipt{}, fmt.Errorf("%w: %s < %s", ErrTooLittleReceived, out.Dec(), req.MinAmountOut.Dec())
	}
	key := keyFor(req.TokenIn, req.TokenOut)
	next := map[common.Address]*uint256.Int{
		req.TokenIn:  new(uint256.Int).Add(reserveIn, req.AmountIn),
		req.TokenOut: new(uint256.Int).Sub(reserveOut, out),
	}
	if err := v.save(key, next, p.feeBps); err != nil {
		return bank.SwapReceipt{}, err
	}
	if err := v.holdings.TransferFrom(req.TokenIn, v.address, req.Payer, v.address, req.AmountIn); err != nil {
		return bank.SwapReceipt{}, errors.Join(fmt.Errorf("venue: collect input: %w", err), v.save(key, p.reserves, p.feeBps))
	}
	if err := v.holdings.Transfer(req.TokenOut, v.address, req.Recipient, out); err != nil {
		refundErr := v.holdings.Transfer(req.TokenIn, v.address, req.Payer, req.AmountIn)
		return bank.SwapReceipt{}, errors.Join(fmt.Errorf("venue: deliver output: %w", err), refundErr, v.save(key, p.reserves, p.feeBps))
	}
	p.reserves = next

	receipt := bank.SwapReceipt{
		ID:        uuid.NewString(),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  new(uint256.Int).Set(req.AmountIn),
		AmountOut: out,
		Payer:     req.Payer,
		Recipient: req.Recipient,
	}
	v.remember(receipt)
	return receipt, nil
}

// Unwind reverses a swap recorded by this venue: delivered units of the output
// token are drawn back from the recipient and the full input is returned to
// the payer. Reserves are restored by the same amounts.
func (v *Venue) Unwind(_ context.Context, receipt bank.SwapReceipt, delivered *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.swaps[receipt.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSwap, receipt.ID)
	}
	orig := rec.receipt
	key := keyFor(orig.TokenIn, orig.TokenOut)
	p, ok := v.pools[key]
	if !ok {
		return ErrNoPool
	}
	reclaim := delivered != nil && !delivered.IsZero()
	next := map[common.Address]*uint256.Int{
		orig.TokenIn:  new(uint256.Int).Set(p.reserves[orig.TokenIn]),
		orig.TokenOut: new(uint256.Int).Set(p.reserves[orig.TokenOut]),
	}
	if reclaim {
		next[orig.TokenOut].Add(next[orig.TokenOut], delivered)
	}
	if next[orig.TokenIn].Lt(orig.AmountIn) {
		return fmt.Errorf("%w: reserve below swap input", ErrInsufficientLiquid)
	}
	next[orig.TokenIn].Sub(next[orig.TokenIn], orig.AmountIn)
	if err := v.save(key, next, p.feeBps); err != nil {
		return err
	}
	if reclaim {
		if err := v.holdings.TransferFrom(orig.TokenOut, v.address, orig.Recipient, v.address, delivered); err != nil {
			return errors.Join(fmt.Errorf("venue: reclaim output: %w", err), v.save(key, p.reserves, p.feeBps))
		}
	}
	if err := v.holdings.Transfer(orig.TokenIn, v.address, orig.Payer, orig.AmountIn); err != nil {
		var redeliverErr error
		if reclaim {
			redeliverErr = v.holdings.Transfer(orig.TokenOut, v.address, orig.Recipient, delivered)
		}
		return errors.Join(fmt.Errorf("venue: return input: %w", err), redeliverErr, v.save(key, p.reserves, p.feeBps))
	}
	p.reserves = next
	delete(v.swaps, receipt.ID)
	return nil
}

func (v *Venue) remember(receipt bank.SwapReceipt) {
	v.swaps[receipt.ID] = swapRecord{receipt: receipt}
	v.order = append(v.order, receipt.ID)
	for len(v.order) > recentSwaps {
		delete(v.swaps, v.order[0])
		v.order = v.order[1:]
	}
}

func poolKey(key pairKey) []byte {
	out := make([]byte, 0, len(poolPrefix)+2*common.AddressLength)
	out = append(out, poolPrefix...)
	out = append(out, key.token0.Bytes()...)
	return append(out, key.token1.Bytes()...)
}

func (v *Venue) load(key pairKey) (*pool, bool, error) {
	raw, err := v.db.Get(poolKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("venue: read pool: %w", err)
	}
	var stored storedPool
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("venue: decode pool: %w", err)
	}
	reserve0, overflow0 := uint256.FromBig(stored.Reserve0)
	reserve1, overflow1 := uint256.FromBig(stored.Reserve1)
	if overflow0 || overflow1 {
		return nil, false, fmt.Errorf("venue: decode pool: reserve overflows")
	}
	return &pool{
		reserves: map[common.Address]*uint256.Int{
			key.token0: reserve0,
			key.token1: reserve1,
		},
		feeBps: stored.FeeBps,
	}, true, nil
}

func (v *Venue) save(key pairKey, reserves map[common.Address]*uint256.Int, feeBps uint64) error {
	raw, err := rlp.EncodeToBytes(storedPool{
		Reserve0: reserves[key.token0].ToBig(),
		Reserve1: reserves[key.token1].ToBig(),
		FeeBps:   feeBps,
	})
	if err != nil {
		return fmt.Errorf("venue: encode pool: %w", err)
	}
	if err := v.db.Put(poolKey(key), raw); err != nil {
		return fmt.Errorf("venue: write pool: %w", err)
	}
	return nil
}

// amountOut applies the constant-product formula with an input fee:
// out = in*(1-fee)*reserveOut / (reserveIn + in*(1-fee)).
func amountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquid
	}
	inWithFee := new(big.Int).Mul(amountIn.ToBig(), big.NewInt(int64(bpsDenominator-feeBps)))
	num := new(big.Int).Mul(inWithFee, reserveOut.ToBig())
	den := new(big.Int).Mul(reserveIn.ToBig(), big.NewInt(bpsDenominator))
	den.Add(den, inWithFee)
	out, overflow := uint256.FromBig(num.Quo(num, den))
	if overflow || !out.Lt(reserveOut) {
		return nil, ErrInsufficientLiquid
	}
	return out, nil
}
