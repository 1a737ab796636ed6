package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/protocol"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.raw.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// u64 amounts are NUMERIC(20,0) so sums cannot wrap.
func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS counters (
			kind TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			count NUMERIC(20,0) NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategies (
			pubkey TEXT PRIMARY KEY,
			strategy_id NUMERIC(20,0) NOT NULL UNIQUE,
			admin TEXT NOT NULL,
			underlying_mint TEXT NOT NULL,
			yield_token_mint TEXT NOT NULL,
			name TEXT NOT NULL,
			apy_bps NUMERIC(20,0) NOT NULL,
			total_deposits NUMERIC(20,0) NOT NULL,
			total_yield_tokens_minted NUMERIC(20,0) NOT NULL,
			is_active INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_positions (
			pubkey TEXT PRIMARY KEY,
			user_pubkey TEXT NOT NULL,
			strategy TEXT NOT NULL,
			position_id NUMERIC(20,0) NOT NULL,
			deposited_amount NUMERIC(20,0) NOT NULL,
			yield_tokens_minted NUMERIC(20,0) NOT NULL,
			total_yield_claimed NUMERIC(20,0) NOT NULL,
			deposit_time BIGINT NOT NULL,
			last_yield_claim BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_positions_user ON user_positions(user_pubkey);`,
		`CREATE INDEX IF NOT EXISTS idx_user_positions_strategy ON user_positions(strategy);`,
		`CREATE TABLE IF NOT EXISTS marketplaces (
			pubkey TEXT PRIMARY KEY,
			marketplace_id NUMERIC(20,0) NOT NULL,
			admin TEXT NOT NULL,
			strategy TEXT NOT NULL UNIQUE,
			yield_token_mint TEXT NOT NULL,
			underlying_mint TEXT NOT NULL,
			total_volume NUMERIC(20,0) NOT NULL,
			total_trades NUMERIC(20,0) NOT NULL,
			best_bid_price NUMERIC(20,0) NOT NULL,
			best_ask_price NUMERIC(20,0) NOT NULL,
			trading_fee_bps INTEGER NOT NULL,
			is_active INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trade_orders (
			pubkey TEXT PRIMARY KEY,
			order_id NUMERIC(20,0) NOT NULL,
			user_pubkey TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			order_type TEXT NOT NULL,
			yield_token_amount NUMERIC(20,0) NOT NULL,
			price_per_token NUMERIC(20,0) NOT NULL,
			total_value NUMERIC(20,0) NOT NULL,
			filled_amount NUMERIC(20,0) NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_orders_marketplace_status ON trade_orders(marketplace, status);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_orders_user ON trade_orders(user_pubkey);`,
		`CREATE TABLE IF NOT EXISTS trade_fills (
			id BIGSERIAL PRIMARY KEY,
			order_pubkey TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			order_type TEXT NOT NULL,
			price_per_token NUMERIC(20,0) NOT NULL,
			fill_amount NUMERIC(20,0) NOT NULL,
			filled_after NUMERIC(20,0) NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL,
			UNIQUE (order_pubkey, filled_after)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_fills_marketplace_time ON trade_fills(marketplace, recorded_at DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func (s *Store) UpsertCounterTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, counter *protocol.Counter) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO counters (kind, pubkey, count, slot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			pubkey = excluded.pubkey,
			count = excluded.count,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		counter.Kind.String(),
		pubkey.String(),
		u64Text(counter.Count),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) UpsertStrategyTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, strategy *protocol.Strategy) error {
	raw, err := json.Marshal(strategy)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (
			pubkey, strategy_id, admin, underlying_mint, yield_token_mint, name, apy_bps,
			total_deposits, total_yield_tokens_minted, is_active, created_at,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			admin = excluded.admin,
			underlying_mint = excluded.underlying_mint,
			yield_token_mint = excluded.yield_token_mint,
			name = excluded.name,
			apy_bps = excluded.apy_bps,
			total_deposits = excluded.total_deposits,
			total_yield_tokens_minted = excluded.total_yield_tokens_minted,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		u64Text(strategy.StrategyID),
		strategy.Admin.String(),
		strategy.UnderlyingToken.String(),
		strategy.YieldTokenMint.String(),
		strategy.Name,
		u64Text(strategy.APY),
		u64Text(strategy.TotalDeposits),
		u64Text(strategy.TotalYieldTokensMinted),
		boolToInt(strategy.IsActive),
		strategy.CreatedAt,
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) UpsertPositionTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, position *protocol.UserPosition) error {
	raw, err := json.Marshal(position)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_positions (
			pubkey, user_pubkey, strategy, position_id, deposited_amount, yield_tokens_minted,
			total_yield_claimed, deposit_time, last_yield_claim, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			user_pubkey = excluded.user_pubkey,
			strategy = excluded.strategy,
			position_id = excluded.position_id,
			deposited_amount = excluded.deposited_amount,
			yield_tokens_minted = excluded.yield_tokens_minted,
			total_yield_claimed = excluded.total_yield_claimed,
			deposit_time = excluded.deposit_time,
			last_yield_claim = excluded.last_yield_claim,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		position.User.String(),
		position.Strategy.String(),
		u64Text(position.PositionID),
		u64Text(position.DepositedAmount),
		u64Text(position.YieldTokensMinted),
		u64Text(position.TotalYieldClaimed),
		position.DepositTime,
		position.LastYieldClaim,
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) UpsertMarketplaceTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, marketplace *protocol.Marketplace) error {
	raw, err := json.Marshal(marketplace)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO marketplaces (
			pubkey, marketplace_id, admin, strategy, yield_token_mint, underlying_mint,
			total_volume, total_trades, best_bid_price, best_ask_price, trading_fee_bps,
			is_active, created_at, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			marketplace_id = excluded.marketplace_id,
			admin = excluded.admin,
			strategy = excluded.strategy,
			yield_token_mint = excluded.yield_token_mint,
			underlying_mint = excluded.underlying_mint,
			total_volume = excluded.total_volume,
			total_trades = excluded.total_trades,
			best_bid_price = excluded.best_bid_price,
			best_ask_price = excluded.best_ask_price,
			trading_fee_bps = excluded.trading_fee_bps,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		u64Text(marketplace.MarketplaceID),
		marketplace.Admin.String(),
		marketplace.Strategy.String(),
		marketplace.YieldTokenMint.String(),
		marketplace.UnderlyingTokenMint.String(),
		u64Text(marketplace.TotalVolume),
		u64Text(marketplace.TotalTrades),
		u64Text(marketplace.BestBidPrice),
		u64Text(marketplace.BestAskPrice),
		int(marketplace.TradingFeeBps),
		boolToInt(marketplace.IsActive),
		marketplace.CreatedAt,
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

// UpsertOrderTx also records a fill row whenever filled_amount grew since the
// previous sync. Fills landing between two syncs collapse into one row.
func (s *Store) UpsertOrderTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, order *protocol.TradeOrder) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}

	pubkeyText := pubkey.String()
	prevFilled, err := s.getOrderFilledTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trade_orders (
			pubkey, order_id, user_pubkey, marketplace, order_type, yield_token_amount,
			price_per_token, total_value, filled_amount, status, created_at,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			order_id = excluded.order_id,
			user_pubkey = excluded.user_pubkey,
			marketplace = excluded.marketplace,
			order_type = excluded.order_type,
			yield_token_amount = excluded.yield_token_amount,
			price_per_token = excluded.price_per_token,
			total_value = excluded.total_value,
			filled_amount = excluded.filled_amount,
			status = excluded.status,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		u64Text(order.OrderID),
		order.User.String(),
		order.Marketplace.String(),
		order.OrderType.String(),
		u64Text(order.YieldTokenAmount),
		u64Text(order.PricePerToken),
		u64Text(order.TotalValue),
		u64Text(order.FilledAmount),
		orderStatus(order),
		order.CreatedAt,
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	delta, ok := fillDelta(prevFilled, order.FilledAmount)
	if !ok {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trade_fills (
			order_pubkey, marketplace, order_type, price_per_token, fill_amount,
			filled_after, slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_pubkey, filled_after) DO NOTHING
	`,
		pubkeyText,
		order.Marketplace.String(),
		order.OrderType.String(),
		u64Text(order.PricePerToken),
		u64Text(delta),
		u64Text(order.FilledAmount),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) getOrderFilledTx(ctx context.Context, tx *Tx, pubkey string) (*uint64, error) {
	var text string
	err := tx.QueryRowContext(ctx, `SELECT filled_amount::TEXT FROM trade_orders WHERE pubkey = ?`, pubkey).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	filled, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse filled_amount of %s: %w", pubkey, err)
	}
	return &filled, nil
}

// fillDelta reports how much was filled since prev. An order first seen
// already partly filled counts its whole filled amount.
func fillDelta(prev *uint64, filled uint64) (uint64, bool) {
	var before uint64
	if prev != nil {
		before = *prev
	}
	if filled <= before {
		return 0, false
	}
	return filled - before, true
}

// orderStatus derives a lifecycle label. Orders are deactivated both on full
// fill and on cancel, so the fill level tells them apart.
func orderStatus(order *protocol.TradeOrder) string {
	switch {
	case order.IsActive:
		return "open"
	case order.FilledAmount >= order.YieldTokenAmount:
		return "filled"
	default:
		return "cancelled"
	}
}

func u64Text(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
