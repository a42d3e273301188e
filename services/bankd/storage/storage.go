package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"

	"swapbank/native/bank"
)

// Storage persists the bank ledger and asset registry in SQLite.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("bankd storage path must be configured")

var _ bank.Store = (*Storage)(nil)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

// CommitLedger writes one balance and the global totals in a single
// transaction. A zero balance removes the row.
func (s *Storage) CommitLedger(ctx context.Context, commit bank.LedgerCommit) (err error) {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := s.now().UTC()
	balance := commit.Balance
	principal := addressKey(balance.Principal)
	asset := addressKey(balance.Asset)
	if balance.Amount == nil || balance.Amount.IsZero() {
		if _, err = tx.ExecContext(ctx, `
            DELETE FROM ledger_balances WHERE principal = ? AND asset = ?
        `, principal, asset); err != nil {
			return fmt.Errorf("delete balance: %w", err)
		}
	} else {
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO ledger_balances(principal, asset, amount, updated_at)
            VALUES(?, ?, ?, ?)
            ON CONFLICT(principal, asset) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at
        `, principal, asset, balance.Amount.Dec(), now); err != nil {
			return fmt.Errorf("upsert balance: %w", err)
		}
	}
	totals := commit.Totals
	if _, err = tx.ExecContext(ctx, `
        INSERT INTO ledger_totals(id, custodied, deposits, withdrawals, updated_at)
        VALUES(1, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            custodied = excluded.custodied,
            deposits = excluded.deposits,
            withdrawals = excluded.withdrawals,
            updated_at = excluded.updated_at
    `, decString(totals.Custodied), int64(totals.Deposits), int64(totals.Withdrawals), now); err != nil {
		return fmt.Errorf("upsert totals: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// SaveAsset upserts a registry descriptor.
func (s *Storage) SaveAsset(ctx context.Context, desc bank.AssetDescriptor) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO assets(address, symbol, kind, decimals, min_deposit, max_deposit, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            symbol = excluded.symbol,
            kind = excluded.kind,
            decimals = excluded.decimals,
            min_deposit = excluded.min_deposit,
            max_deposit = excluded.max_deposit,
            updated_at = excluded.updated_at
    `, addressKey(desc.ID), desc.Symbol, int(desc.Kind), int(desc.Decimals), decString(desc.MinDeposit), decString(desc.MaxDeposit), s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// LoadState reads every balance, the totals and the registered assets.
func (s *Storage) LoadState(ctx context.Context) (bank.State, error) {
	state := bank.State{Custodied: new(uint256.Int)}
	if s == nil {
		return state, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT principal, asset, amount FROM ledger_balances ORDER BY principal, asset
    `)
	if err != nil {
		return state, fmt.Errorf("query balances: %w", err)
	}
	for rows.Next() {
		var principal, asset, amount string
		if err := rows.Scan(&principal, &asset, &amount); err != nil {
			rows.Close()
			return state, fmt.Errorf("scan balance: %w", err)
		}
		value, err := uint256.FromDecimal(amount)
		if err != nil {
			rows.Close()
			return state, fmt.Errorf("decode balance %s/%s: %w", principal, asset, err)
		}
		state.Balances = append(state.Balances, bank.BalanceRecord{
			Principal: common.HexToAddress(principal),
			Asset:     common.HexToAddress(asset),
			Amount:    value,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return state, fmt.Errorf("iterate balances: %w", err)
	}
	rows.Close()

	var custodied string
	var deposits, withdrawals int64
	row := s.db.QueryRowContext(ctx, `SELECT custodied, deposits, withdrawals FROM ledger_totals WHERE id = 1`)
	switch err := row.Scan(&custodied, &deposits, &withdrawals); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state, fmt.Errorf("query totals: %w", err)
	default:
		value, err := uint256.FromDecimal(custodied)
		if err != nil {
			return state, fmt.Errorf("decode custodied total: %w", err)
		}
		state.Custodied = value
		state.Deposits = uint64(deposits)
		state.Withdrawals = uint64(withdrawals)
	}

	assets, err := s.loadAssets(ctx)
	if err != nil {
		return state, err
	}
	state.Assets = assets
	return state, nil
}

func (s *Storage) loadAssets(ctx context.Context) ([]bank.AssetDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT address, symbol, kind, decimals, min_deposit, max_deposit FROM assets ORDER BY symbol
    `)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()
	var out []bank.AssetDescriptor
	for rows.Next() {
		var (
			address, symbol, minDeposit, maxDeposit string
			kind, decimals                          int
		)
		if err := rows.Scan(&address, &symbol, &kind, &decimals, &minDeposit, &maxDeposit); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		desc := bank.AssetDescriptor{
			ID:        common.HexToAddress(address),
			Symbol:    symbol,
			Kind:      bank.AssetKind(kind),
			Decimals:  uint8(decimals),
			Supported: true,
		}
		if desc.MinDeposit, err = optionalDecimal(minDeposit); err != nil {
			return nil, fmt.Errorf("decode min deposit for %s: %w", address, err)
		}
		if desc.MaxDeposit, err = optionalDecimal(maxDeposit); err != nil {
			return nil, fmt.Errorf("decode max deposit for %s: %w", address, err)
		}
		out = append(out, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return out, nil
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func optionalDecimal(raw string) (*uint256.Int, error) {
	if raw == "" || raw == "0" {
		return nil, nil
	}
	return uint256.FromDecimal(raw)
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_balances (
    principal TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (principal, asset)
);

CREATE TABLE IF NOT EXISTS ledger_totals (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    custodied TEXT NOT NULL,
    deposits INTEGER NOT NULL,
    withdrawals INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
    address TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    kind INTEGER NOT NULL,
    decimals INTEGER NOT NULL,
    min_deposit TEXT NOT NULL,
    max_deposit TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
