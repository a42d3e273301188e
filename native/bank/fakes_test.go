package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	unitAsset    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wrappedAsset = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	tokenAsset   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	selfAccount  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	venueAccount = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

type testClock struct {
	now time.Time
}

func newTestClock(base time.Time) *testClock {
	return &testClock{now: base}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func amt(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func mustDec(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

type fakeFeed struct {
	round    RoundData
	decimals uint8
	err      error
}

func (f *fakeFeed) LatestRoundData(context.Context) (RoundData, error) {
	if f.err != nil {
		return RoundData{}, f.err
	}
	return f.round, nil
}

func (f *fakeFeed) Decimals(context.Context) (uint8, error) {
	return f.decimals, nil
}

func freshRound(price int64, updated time.Time) RoundData {
	return RoundData{
		RoundID:         big.NewInt(7),
		Answer:          big.NewInt(price),
		StartedAt:       updated,
		UpdatedAt:       updated,
		AnsweredInRound: big.NewInt(7),
	}
}

type allowanceKey struct {
	token, owner, spender common.Address
}

// fakeCustody keeps holdings for every account so tests can observe both the
// engine's custody and the depositors' wallets.
type fakeCustody struct {
	self       common.Address
	wrapped    common.Address
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	pullErr    error
	pushErr    error
	onPush     func()
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{
		self:       selfAccount,
		wrapped:    wrappedAsset,
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (c *fakeCustody) credit(token, account common.Address, amount *uint256.Int) {
	accounts, ok := c.balances[token]
	if !ok {
		accounts = make(map[common.Address]*uint256.Int)
		c.balances[token] = accounts
	}
	current, ok := accounts[account]
	if !ok {
		current = new(uint256.Int)
	}
	accounts[account] = new(uint256.Int).Add(current, amount)
}

func (c *fakeCustody) holding(token, account common.Address) *uint256.Int {
	if accounts, ok := c.balances[token]; ok {
		if v, ok := accounts[account]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

func (c *fakeCustody) move(token, from, to common.Address, amount *uint256.Int) error {
	if c.holding(token, from).Lt(amount) {
		return fmt.Errorf("insufficient %s holdings for %s", token.Hex(), from.Hex())
	}
	remaining := new(uint256.Int).Sub(c.holding(token, from), amount)
	c.credit(token, from, new(uint256.Int))
	c.balances[token][from] = remaining
	c.credit(token, to, amount)
	return nil
}

func (c *fakeCustody) spend(token, owner, spender common.Address, amount *uint256.Int) error {
	key := allowanceKey{token, owner, spender}
	allowance, ok := c.allowances[key]
	if !ok || allowance.Lt(amount) {
		return errors.New("allowance exceeded")
	}
	c.allowances[key] = new(uint256.Int).Sub(allowance, amount)
	return nil
}

func (c *fakeCustody) Pull(_ context.Context, asset, from common.Address, amount *uint256.Int) error {
	if c.pullErr != nil {
		return c.pullErr
	}
	return c.move(asset, from, c.self, amount)
}

func (c *fakeCustody) Push(_ context.Context, asset, to common.Address, amount *uint256.Int) error {
	if c.onPush != nil {
		c.onPush()
	}
	if c.pushErr != nil {
		return c.pushErr
	}
	return c.move(asset, c.self, to, amount)
}

func (c *fakeCustody) BalanceOf(_ context.Context, asset common.Address) (*uint256.Int, error) {
	return c.holding(asset, c.self), nil
}

func (c *fakeCustody) Approve(_ context.Context, asset, spender common.Address, amount *uint256.Int) error {
	c.allowances[allowanceKey{asset, c.self, spender}] = new(uint256.Int).Set(amount)
	return nil
}

func (c *fakeCustody) Wrap(_ context.Context, amount *uint256.Int) error {
	if err := c.move(NativeAsset, c.self, common.Address{0xff}, amount); err != nil {
		return err
	}
	c.credit(c.wrapped, c.self, amount)
	return nil
}

func (c *fakeCustody) Unwrap(_ context.Context, amount *uint256.Int) error {
	if err := c.move(c.wrapped, c.self, common.Address{0xff}, amount); err != nil {
		return err
	}
	return c.move(NativeAsset, common.Address{0xff}, c.self, amount)
}

// fakeVenue delivers whatever deliver returns and can report a different
// figure than it actually sends.
type fakeVenue struct {
	custody *fakeCustody
	deliver func(amountIn *uint256.Int) *uint256.Int
	report  *uint256.Int
	swapErr error
	onSwap  func()
	swaps   int
	unwinds int
	last    SwapRequest
}

func newFakeVenue(c *fakeCustody, deliver func(*uint256.Int) *uint256.Int) *fakeVenue {
	c.credit(unitAsset, venueAccount, mustUint("1000000000000000000"))
	return &fakeVenue{custody: c, deliver: deliver}
}

func mustUint(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *fakeVenue) Address() common.Address { return venueAccount }

func (v *fakeVenue) Swap(_ context.Context, req SwapRequest) (SwapReceipt, error) {
	v.swaps++
	v.last = req
	if v.onSwap != nil {
		v.onSwap()
	}
	if v.swapErr != nil {
		return SwapReceipt{}, v.swapErr
	}
	if err := v.custody.spend(req.TokenIn, req.Payer, venueAccount, req.AmountIn); err != nil {
		return SwapReceipt{}, err
	}
	if err := v.custody.move(req.TokenIn, req.Payer, venueAccount, req.AmountIn); err != nil {
		return SwapReceipt{}, err
	}
	out := v.deliver(req.AmountIn)
	if err := v.custody.move(req.TokenOut, venueAccount, req.Recipient, out); err != nil {
		return SwapReceipt{}, err
	}
	reported := out
	if v.report != nil {
		reported = v.report
	}
	return SwapReceipt{
		ID:        fmt.Sprintf("swap-%d", v.swaps),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  req.AmountIn,
		AmountOut: reported,
		Payer:     req.Payer,
		Recipient: req.Recipient,
	}, nil
}

func (v *fakeVenue) Unwind(_ context.Context, receipt SwapReceipt, delivered *uint256.Int) error {
	v.unwinds++
	if !delivered.IsZero() {
		if err := v.custody.spend(receipt.TokenOut, receipt.Recipient, venueAccount, delivered); err != nil {
			return err
		}
		if err := v.custody.move(receipt.TokenOut, receipt.Recipient, venueAccount, delivered); err != nil {
			return err
		}
	}
	return v.custody.move(receipt.TokenIn, venueAccount, receipt.Payer, receipt.AmountIn)
}

type captureStore struct {
	commits []LedgerCommit
	assets  []AssetDescriptor
	state   State
	err     error
	failAt  int
}

func (s *captureStore) CommitLedger(_ context.Context, commit LedgerCommit) error {
	if s.err != nil && (s.failAt == 0 || len(s.commits)+1 == s.failAt) {
		return s.err
	}
	s.commits = append(s.commits, commit)
	return nil
}

func (s *captureStore) SaveAsset(_ context.Context, desc AssetDescriptor) error {
	if s.err != nil {
		return s.err
	}
	s.assets = append(s.assets, desc)
	return nil
}

func (s *captureStore) LoadState(context.Context) (State, error) {
	return s.state, nil
}

type capturingPublisher struct {
	notes []Notification
}

func (p *capturingPublisher) Publish(_ context.Context, n Notification) error {
	p.notes = append(p.notes, n)
	return nil
}

func (p *capturingPublisher) kinds() []NotificationKind {
	out := make([]NotificationKind, 0, len(p.notes))
	for _, n := range p.notes {
		out = append(out, n.Kind)
	}
	return out
}

type testRig struct {
	engine    *Engine
	clock     *testClock
	custody   *fakeCustody
	venue     *fakeVenue
	feed      *fakeFeed
	publisher *capturingPublisher
}

type rigSettings struct {
	cfg  Config
	opts []Option
}

type rigOption func(*rigSettings)

func withCeilings(capacity, withdrawal uint64) rigOption {
	return func(s *rigSettings) {
		s.cfg.CapacityCeiling = amt(capacity)
		s.cfg.WithdrawalCeiling = amt(withdrawal)
	}
}

func withEngineOptions(opts ...Option) rigOption {
	return func(s *rigSettings) {
		s.opts = append(s.opts, opts...)
	}
}

// buildTestEngine wires an engine with a 6-decimal unit-of-account, an
// 18-decimal native asset priced at 2000.00000000 and a venue delivering at
// parity.
func buildTestEngine(t *testing.T, opts ...rigOption) *testRig {
	t.Helper()
	clock := newTestClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	settings := rigSettings{cfg: Config{
		Self:              selfAccount,
		UnitAsset:         unitAsset,
		UnitSymbol:        "usdc",
		UnitDecimals:      6,
		WrappedNative:     wrappedAsset,
		NativeSymbol:      "eth",
		NativeDecimals:    18,
		CapacityCeiling:   amt(1_000_000),
		WithdrawalCeiling: amt(25_000),
	}}
	for _, opt := range opts {
		opt(&settings)
	}
	custody := newFakeCustody()
	venue := newFakeVenue(custody, func(in *uint256.Int) *uint256.Int { return new(uint256.Int).Set(in) })
	feed := &fakeFeed{round: freshRound(2000_00000000, clock.Now().Add(-time.Minute)), decimals: 8}
	publisher := &capturingPublisher{}
	engineOpts := append([]Option{WithClock(clock.Now), WithPublisher(publisher)}, settings.opts...)
	engine, err := New(settings.cfg, custody, venue, feed, engineOpts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testRig{engine: engine, clock: clock, custody: custody, venue: venue, feed: feed, publisher: publisher}
}

func (r *testRig) registerToken(t *testing.T, id common.Address, decimals uint8) {
	t.Helper()
	if err := r.engine.RegisterAsset(context.Background(), AssetDescriptor{
		ID:       id,
		Symbol:   "tok",
		Kind:     AssetToken,
		Decimals: decimals,
	}); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	r.publisher.notes = nil
}

// assertLedgerBalanced checks that custodied value equals the sum of every
// balance entry.
func assertLedgerBalanced(t *testing.T, e *Engine) {
	t.Helper()
	sum := new(uint256.Int)
	for _, record := range e.Records() {
		sum.Add(sum, record.Amount)
	}
	if total := e.Totals().Custodied; !total.Eq(sum) {
		t.Fatalf("custodied %s does not match balance sum %s", total.Dec(), sum.Dec())
	}
}
