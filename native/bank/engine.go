package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"swapbank/observability"
)

// Config captures the identities and ceilings fixed at initialisation.
type Config struct {
	// Self is the account that holds custodied assets.
	Self              common.Address
	UnitAsset         common.Address
	UnitSymbol        string
	UnitDecimals      uint8
	WrappedNative     common.Address
	NativeSymbol      string
	NativeDecimals    uint8
	CapacityCeiling   *uint256.Int
	WithdrawalCeiling *uint256.Int
}

// LedgerCommit is the durable form of one ledger mutation: the touched
// balance together with the global totals.
type LedgerCommit struct {
	Balance BalanceRecord
	Totals  Totals
}

// Store persists ledger and registry state.
type Store interface {
	CommitLedger(ctx context.Context, commit LedgerCommit) error
	SaveAsset(ctx context.Context, desc AssetDescriptor) error
	LoadState(ctx context.Context) (State, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithStore enables persistence of every committed mutation.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithPublisher registers the sink for committed notifications.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the engine and price guard clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
			e.prices.SetClock(clock)
		}
	}
}

// Engine orchestrates deposits and withdrawals against the ledger.
type Engine struct {
	cfg       Config
	guard     Guard
	registry  *Registry
	ledger    *Ledger
	prices    *PriceGuard
	exchange  *Exchange
	custody   Custody
	store     Store
	publisher Publisher
	clock     func() time.Time
	metrics   *observability.BankMetrics
	tracer    trace.Tracer
}

// New constructs an engine. The native asset and the unit-of-account are
// registered unbounded.
func New(cfg Config, custody Custody, venue Venue, feed PriceFeed, opts ...Option) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, fmt.Errorf("bank: custody required")
	}
	registry := NewRegistry(cfg.NativeSymbol, cfg.NativeDecimals)
	if err := registry.Register(AssetDescriptor{
		ID:        cfg.UnitAsset,
		Symbol:    cfg.UnitSymbol,
		Kind:      AssetToken,
		Decimals:  cfg.UnitDecimals,
		Supported: true,
	}); err != nil {
		return nil, fmt.Errorf("bank: register unit-of-account: %w", err)
	}
	prices := NewPriceGuard(feed)
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		ledger:   NewLedger(cfg.CapacityCeiling, cfg.WithdrawalCeiling),
		prices:   prices,
		exchange: NewExchange(ExchangeConfig{
			Self:           cfg.Self,
			UnitAsset:      cfg.UnitAsset,
			UnitDecimals:   cfg.UnitDecimals,
			WrappedNative:  cfg.WrappedNative,
			NativeDecimals: cfg.NativeDecimals,
		}, custody, venue, prices),
		custody: custody,
		clock:   time.Now,
		metrics: observability.Bank(),
		tracer:  otel.Tracer("bank/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	totals := e.ledger.Totals()
	e.metrics.SetTotals(totals.Custodied.ToBig(), totals.CapacityCeiling.ToBig())
	return e, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Self == (common.Address{}):
		return fmt.Errorf("bank: custody account required")
	case cfg.UnitAsset == NativeAsset:
		return fmt.Errorf("bank: unit-of-account must be a token")
	case cfg.WrappedNative == NativeAsset:
		return fmt.Errorf("bank: wrapped native token required")
	case cfg.WrappedNative == cfg.UnitAsset:
		return fmt.Errorf("bank: wrapped native token cannot be the unit-of-account")
	case cfg.CapacityCeiling == nil:
		return fmt.Errorf("bank: capacity ceiling required")
	case cfg.WithdrawalCeiling == nil:
		return fmt.Errorf("bank: withdrawal ceiling required")
	}
	return nil
}

// Restore loads persisted balances, totals, counters and registered assets.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("bank: load state: %w", err)
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := e.ledger.load(state); err != nil {
		return err
	}
	e.registry.restore(state.Assets)
	totals := e.ledger.Totals()
	e.metrics.SetTotals(totals.Custodied.ToBig(), totals.CapacityCeiling.ToBig())
	slog.Info("bank/engine: state restored",
		"balances", len(state.Balances),
		"assets", len(state.Assets),
		"custodied", totals.Custodied.Dec(),
		"deposits", totals.Deposits,
		"withdrawals", totals.Withdrawals)
	return nil
}

// DepositNative credits principal with the unit-of-account value of amount of
// the native asset.
func (e *Engine) DepositNative(ctx context.Context, principal common.Address, amount *uint256.Int) (Receipt, error) {
	return e.deposit(ctx, "deposit_native", principal, NativeAsset, amount)
}

// DepositAsset credits principal with the unit-of-account value of amount of
// asset.
func (e *Engine) DepositAsset(ctx context.Context, principal, asset common.Address, amount *uint256.Int) (Receipt, error) {
	return e.deposit(ctx, "deposit_asset", principal, asset, amount)
}

func (e *Engine) deposit(ctx context.Context, op string, principal, asset common.Address, amount *uint256.Int) (Receipt, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "bank."+op, trace.WithAttributes(
		attribute.String("principal", principal.Hex()),
		attribute.String("asset", asset.Hex()),
		attribute.String("amount", decString(amount)),
	))
	defer span.End()
	receipt, err := e.runDeposit(ctx, principal, asset, amount)
	e.finish(span, op, start, err)
	return receipt, err
}

func (e *Engine) runDeposit(ctx context.Context, principal, asset common.Address, amount *uint256.Int) (Receipt, error) {
	release, err := e.guard.Enter()
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	if amount == nil || amount.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	desc, err := e.registry.Describe(asset)
	if err != nil {
		return Receipt{}, err
	}
	if err := checkBounds(desc, amount); err != nil {
		return Receipt{}, err
	}

	j := &journal{}
	abort := func(cause error) (Receipt, error) {
		if rbErr := j.rollback(ctx); rbErr != nil {
			slog.Error("bank/engine: deposit rollback incomplete",
				"principal", principal.Hex(), "asset", asset.Hex(), "error", rbErr)
			return Receipt{}, errors.Join(cause, rbErr)
		}
		return Receipt{}, cause
	}

	pulled := new(uint256.Int).Set(amount)
	if err := e.custody.Pull(ctx, asset, principal, pulled); err != nil {
		return Receipt{}, fmt.Errorf("%w: pull custody: %w", ErrTransferFailed, err)
	}
	j.record("pull", func(ctx context.Context) error {
		return e.custody.Push(ctx, asset, principal, pulled)
	})

	preview, err := e.exchange.Expected(ctx, desc, amount)
	if err != nil {
		return abort(err)
	}
	if !e.ledger.fits(preview) {
		return abort(fmt.Errorf("%w: preview %s", ErrBankCapExceeded, preview.Dec()))
	}

	outcome, err := e.exchange.Convert(ctx, desc, amount, preview, j)
	if err != nil {
		return abort(err)
	}
	credited := outcome.AmountOut
	if !e.ledger.fits(credited) {
		return abort(fmt.Errorf("%w: received %s", ErrBankCapExceeded, credited.Dec()))
	}

	cp := e.ledger.checkpoint(principal, e.cfg.UnitAsset)
	balance, total, seq, err := e.ledger.applyDeposit(principal, e.cfg.UnitAsset, credited)
	if err != nil {
		return abort(err)
	}
	if err := e.persist(ctx, principal); err != nil {
		e.ledger.restore(cp)
		return abort(fmt.Errorf("bank: persist deposit: %w", err))
	}
	j.commit()

	now := e.clock()
	receipt := Receipt{
		ID:        uuid.NewString(),
		Principal: principal,
		Asset:     asset,
		AmountIn:  new(uint256.Int).Set(amount),
		Credited:  new(uint256.Int).Set(credited),
		Balance:   balance,
		Total:     total,
		Sequence:  seq,
		Timestamp: now,
	}
	swapped := asset != e.cfg.UnitAsset
	if swapped {
		receipt.Swap = &outcome
		e.metrics.RecordConversion(desc.Symbol, outcome.AmountIn.ToBig(), outcome.AmountOut.ToBig())
	}
	e.metrics.SetTotals(total.ToBig(), e.ledger.Totals().CapacityCeiling.ToBig())

	notes := []Notification{{
		Kind:      NotificationDeposit,
		Principal: principal,
		Asset:     asset,
		AmountIn:  receipt.AmountIn,
		AmountOut: receipt.Credited,
		Sequence:  seq,
		Receipt:   receipt.ID,
		Timestamp: now,
	}}
	if swapped {
		notes = append(notes, Notification{
			Kind:      NotificationConversion,
			Principal: principal,
			Asset:     asset,
			AmountIn:  outcome.AmountIn,
			AmountOut: outcome.AmountOut,
			Sequence:  seq,
			Receipt:   receipt.ID,
			Timestamp: now,
		})
	}
	e.notify(ctx, notes...)
	return receipt, nil
}

// Withdraw debits principal and transfers amount of the unit-of-account out of
// custody. The debit is applied and persisted before the transfer.
func (e *Engine) Withdraw(ctx context.Context, principal common.Address, amount *uint256.Int) (Receipt, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "bank.withdraw", trace.WithAttributes(
		attribute.String("principal", principal.Hex()),
		attribute.String("amount", decString(amount)),
	))
	defer span.End()
	receipt, err := e.runWithdraw(ctx, principal, amount)
	e.finish(span, "withdraw", start, err)
	return receipt, err
}

func (e *Engine) runWithdraw(ctx context.Context, principal common.Address, amount *uint256.Int) (Receipt, error) {
	release, err := e.guard.Enter()
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	if amount == nil || amount.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if limit := e.ledger.withdrawalCeiling(); amount.Gt(limit) {
		return Receipt{}, fmt.Errorf("%w: %s > %s", ErrExceedsWithdrawalLimit, amount.Dec(), limit.Dec())
	}
	unit := e.cfg.UnitAsset
	if e.ledger.Balance(principal, unit).Lt(amount) {
		return Receipt{}, ErrInsufficientBalance
	}

	cp := e.ledger.checkpoint(principal, unit)
	balance, total, seq, err := e.ledger.applyWithdrawal(principal, unit, amount)
	if err != nil {
		return Receipt{}, err
	}
	if err := e.persist(ctx, principal); err != nil {
		e.ledger.restore(cp)
		return Receipt{}, fmt.Errorf("bank: persist withdrawal: %w", err)
	}

	sent := new(uint256.Int).Set(amount)
	if err := e.custody.Push(ctx, unit, principal, sent); err != nil {
		e.ledger.restore(cp)
		if perr := e.persist(context.WithoutCancel(ctx), principal); perr != nil {
			slog.Error("bank/engine: persist withdrawal rollback", "principal", principal.Hex(), "error", perr)
			return Receipt{}, errors.Join(fmt.Errorf("%w: %w", ErrTransferFailed, err), perr)
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	now := e.clock()
	receipt := Receipt{
		ID:        uuid.NewString(),
		Principal: principal,
		Asset:     unit,
		Debited:   sent,
		Balance:   balance,
		Total:     total,
		Sequence:  seq,
		Timestamp: now,
	}
	e.metrics.SetTotals(total.ToBig(), e.ledger.Totals().CapacityCeiling.ToBig())
	e.notify(ctx, Notification{
		Kind:      NotificationWithdrawal,
		Principal: principal,
		Asset:     unit,
		AmountOut: sent,
		Sequence:  seq,
		Receipt:   receipt.ID,
		Timestamp: now,
	})
	return receipt, nil
}

// BalanceOf returns the stored balance of principal for asset.
func (e *Engine) BalanceOf(principal, asset common.Address) *uint256.Int {
	return e.ledger.Balance(principal, asset)
}

// PreviewConversion estimates the unit-of-account value of amount of asset.
func (e *Engine) PreviewConversion(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	desc, err := e.registry.Describe(asset)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	return e.exchange.Expected(ctx, desc, amount)
}

// CurrentReferencePrice returns the validated native-asset price.
func (e *Engine) CurrentReferencePrice(ctx context.Context) (Price, error) {
	return e.prices.CurrentPrice(ctx)
}

// RegisterAsset adds a token to the registry. Callers are responsible for
// authorising the request.
func (e *Engine) RegisterAsset(ctx context.Context, desc AssetDescriptor) error {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "bank.register_asset", trace.WithAttributes(
		attribute.String("asset", desc.ID.Hex()),
		attribute.String("symbol", desc.Symbol),
	))
	defer span.End()
	desc.Supported = true
	err := e.registry.Register(desc)
	if err == nil && e.store != nil {
		stored, _ := e.registry.Describe(desc.ID)
		if err = e.store.SaveAsset(ctx, stored); err != nil {
			e.registry.remove(desc.ID)
			err = fmt.Errorf("bank: persist asset: %w", err)
		}
	}
	e.finish(span, "register_asset", start, err)
	if err != nil {
		return err
	}
	e.notify(ctx, Notification{
		Kind:      NotificationAssetRegistered,
		Asset:     desc.ID,
		Timestamp: e.clock(),
	})
	return nil
}

// Describe returns the registry descriptor for asset.
func (e *Engine) Describe(asset common.Address) (AssetDescriptor, error) {
	return e.registry.Describe(asset)
}

// Assets lists the registry.
func (e *Engine) Assets() []AssetDescriptor {
	return e.registry.Assets()
}

// Totals returns the global accounting state.
func (e *Engine) Totals() Totals {
	return e.ledger.Totals()
}

// Records lists every stored balance entry.
func (e *Engine) Records() []BalanceRecord {
	return e.ledger.Records()
}

// UnitAsset is the identity of the unit-of-account.
func (e *Engine) UnitAsset() common.Address {
	return e.cfg.UnitAsset
}

func (e *Engine) persist(ctx context.Context, principal common.Address) error {
	if e.store == nil {
		return nil
	}
	unit := e.cfg.UnitAsset
	return e.store.CommitLedger(ctx, LedgerCommit{
		Balance: BalanceRecord{Principal: principal, Asset: unit, Amount: e.ledger.Balance(principal, unit)},
		Totals:  e.ledger.Totals(),
	})
}

func (e *Engine) notify(ctx context.Context, notes ...Notification) {
	for _, n := range notes {
		id, err := n.computeID()
		if err != nil {
			slog.Error("bank/engine: notification id", "kind", n.Kind, "error", err)
			continue
		}
		n.ID = id
		observability.Notifications().Record(string(n.Kind))
		if e.publisher == nil {
			continue
		}
		if err := e.publisher.Publish(ctx, n); err != nil {
			slog.Warn("bank/engine: publish notification", "kind", n.Kind, "id", id.Hex(), "error", err)
		}
	}
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, op+" committed")
	}
	e.metrics.Observe(op, e.clock().Sub(start), ErrorReason(err))
}

func checkBounds(desc AssetDescriptor, amount *uint256.Int) error {
	if desc.MinDeposit != nil && !desc.MinDeposit.IsZero() && amount.Lt(desc.MinDeposit) {
		return fmt.Errorf("%w: %s < %s", ErrDepositBelowMinimum, amount.Dec(), desc.MinDeposit.Dec())
	}
	if desc.MaxDeposit != nil && !desc.MaxDeposit.IsZero() && amount.Gt(desc.MaxDeposit) {
		return fmt.Errorf("%w: %s > %s", ErrDepositAboveMaximum, amount.Dec(), desc.MaxDeposit.Dec())
	}
	return nil
}

// ErrorReason maps an error to a short label suitable for metrics. A nil error
// maps to the empty string.
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}
	reasons := []struct {
		target error
		label  string
	}{
		{ErrReentrantCall, "reentrant_call"},
		{ErrZeroAmount, "zero_amount"},
		{ErrUnsupportedAsset, "unsupported_asset"},
		{ErrDepositBelowMinimum, "below_minimum"},
		{ErrDepositAboveMaximum, "above_maximum"},
		{ErrBankCapExceeded, "bank_cap_exceeded"},
		{ErrExceedsWithdrawalLimit, "exceeds_withdrawal_limit"},
		{ErrInsufficientBalance, "insufficient_balance"},
		{ErrInsufficientOutput, "insufficient_output"},
		{ErrStaleQuote, "stale_quote"},
		{ErrInvalidQuote, "invalid_quote"},
		{ErrExchangeFailure, "exchange_failure"},
		{ErrTransferFailed, "transfer_failed"},
		{ErrAssetExists, "asset_exists"},
		{ErrInvalidAsset, "invalid_asset"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "internal"
}
