package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Amounts are returned as base-unit decimal strings; u64 does not survive a
// JSON number round trip.

type StrategyFilter struct {
	Admin      string
	ActiveOnly bool
	Limit      int
	Offset     int
}

type StrategyRecord struct {
	Pubkey                 string `json:"pubkey"`
	StrategyID             string `json:"strategy_id"`
	Admin                  string `json:"admin"`
	UnderlyingMint         string `json:"underlying_mint"`
	YieldTokenMint         string `json:"yield_token_mint"`
	Name                   string `json:"name"`
	APYBasisPoints         string `json:"apy_bps"`
	TotalDeposits          string `json:"total_deposits"`
	TotalYieldTokensMinted string `json:"total_yield_tokens_minted"`
	IsActive               bool   `json:"is_active"`
	CreatedAt              int64  `json:"created_at"`
	Slot                   uint64 `json:"slot"`
	UpdatedAt              int64  `json:"updated_at"`
}

type PositionFilter struct {
	User     string
	Strategy string
	Limit    int
	Offset   int
}

type PositionRecord struct {
	Pubkey            string `json:"pubkey"`
	User              string `json:"user"`
	Strategy          string `json:"strategy"`
	PositionID        string `json:"position_id"`
	DepositedAmount   string `json:"deposited_amount"`
	YieldTokensMinted string `json:"yield_tokens_minted"`
	TotalYieldClaimed string `json:"total_yield_claimed"`
	DepositTime       int64  `json:"deposit_time"`
	LastYieldClaim    int64  `json:"last_yield_claim"`
	Slot              uint64 `json:"slot"`
	UpdatedAt         int64  `json:"updated_at"`
}

type MarketplaceFilter struct {
	Strategy string
	Limit    int
	Offset   int
}

type MarketplaceRecord struct {
	Pubkey         string `json:"pubkey"`
	MarketplaceID  string `json:"marketplace_id"`
	Admin          string `json:"admin"`
	Strategy       string `json:"strategy"`
	YieldTokenMint string `json:"yield_token_mint"`
	UnderlyingMint string `json:"underlying_mint"`
	TotalVolume    string `json:"total_volume"`
	TotalTrades    string `json:"total_trades"`
	BestBidPrice   string `json:"best_bid_price"`
	BestAskPrice   string `json:"best_ask_price"`
	TradingFeeBps  int    `json:"trading_fee_bps"`
	IsActive       bool   `json:"is_active"`
	CreatedAt      int64  `json:"created_at"`
	Slot           uint64 `json:"slot"`
	UpdatedAt      int64  `json:"updated_at"`
}

type OrderFilter struct {
	User        string
	Marketplace string
	Status      string
	OrderType   string
	Limit       int
	Offset      int
}

type OrderRecord struct {
	Pubkey           string `json:"pubkey"`
	OrderID          string `json:"order_id"`
	User             string `json:"user"`
	Marketplace      string `json:"marketplace"`
	OrderType        string `json:"order_type"`
	YieldTokenAmount string `json:"yield_token_amount"`
	PricePerToken    string `json:"price_per_token"`
	TotalValue       string `json:"total_value"`
	FilledAmount     string `json:"filled_amount"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
	Slot             uint64 `json:"slot"`
	UpdatedAt        int64  `json:"updated_at"`
}

type FillFilter struct {
	Marketplace string
	Order       string
	Limit       int
	Offset      int
}

type FillRecord struct {
	ID            int64  `json:"id"`
	OrderPubkey   string `json:"order_pubkey"`
	Marketplace   string `json:"marketplace"`
	OrderType     string `json:"order_type"`
	PricePerToken string `json:"price_per_token"`
	FillAmount    string `json:"fill_amount"`
	FilledAfter   string `json:"filled_after"`
	Slot          uint64 `json:"slot"`
	RecordedAt    int64  `json:"recorded_at"`
}

type CounterRecord struct {
	Kind      string `json:"kind"`
	Pubkey    string `json:"pubkey"`
	Count     string `json:"count"`
	Slot      uint64 `json:"slot"`
	UpdatedAt int64  `json:"updated_at"`
}

// ConservationRecord compares a strategy's total_deposits with the sum of
// its positions' deposited amounts.
type ConservationRecord struct {
	Strategy      string `json:"strategy"`
	StrategyID    string `json:"strategy_id"`
	TotalDeposits string `json:"total_deposits"`
	PositionSum   string `json:"position_sum"`
	Positions     int64  `json:"positions"`
	Balanced      bool   `json:"balanced"`
}

type SyncState struct {
	LastSlot  uint64 `json:"last_slot"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *Store) ListStrategies(ctx context.Context, filter StrategyFilter) ([]StrategyRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Admin != "" {
		clauses = append(clauses, "admin = ?")
		args = append(args, filter.Admin)
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = 1")
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			strategy_id::TEXT,
			admin,
			underlying_mint,
			yield_token_mint,
			name,
			apy_bps::TEXT,
			total_deposits::TEXT,
			total_yield_tokens_minted::TEXT,
			is_active,
			created_at,
			slot,
			updated_at
		FROM strategies
		WHERE %s
		ORDER BY strategy_id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]StrategyRecord, 0, limit)
	for rows.Next() {
		item, err := scanStrategy(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (StrategyRecord, error) {
	var item StrategyRecord
	var isActive int
	var slot int64
	if err := row.Scan(
		&item.Pubkey,
		&item.StrategyID,
		&item.Admin,
		&item.UnderlyingMint,
		&item.YieldTokenMint,
		&item.Name,
		&item.APYBasisPoints,
		&item.TotalDeposits,
		&item.TotalYieldTokensMinted,
		&isActive,
		&item.CreatedAt,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		return StrategyRecord{}, err
	}
	item.IsActive = isActive != 0
	item.Slot = uint64(slot)
	return item, nil
}

// GetStrategy returns nil when the strategy has not been indexed.
func (s *Store) GetStrategy(ctx context.Context, strategyID uint64) (*StrategyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			pubkey,
			strategy_id::TEXT,
			admin,
			underlying_mint,
			yield_token_mint,
			name,
			apy_bps::TEXT,
			total_deposits::TEXT,
			total_yield_tokens_minted::TEXT,
			is_active,
			created_at,
			slot,
			updated_at
		FROM strategies
		WHERE strategy_id = ?
	`, u64Text(strategyID))
	item, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.User != "" {
		clauses = append(clauses, "user_pubkey = ?")
		args = append(args, filter.User)
	}
	if filter.Strategy != "" {
		clauses = append(clauses, "strategy = ?")
		args = append(args, filter.Strategy)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			user_pubkey,
			strategy,
			position_id::TEXT,
			deposited_amount::TEXT,
			yield_tokens_minted::TEXT,
			total_yield_claimed::TEXT,
			deposit_time,
			last_yield_claim,
			slot,
			updated_at
		FROM user_positions
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]PositionRecord, 0, limit)
	for rows.Next() {
		var item PositionRecord
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.User,
			&item.Strategy,
			&item.PositionID,
			&item.DepositedAmount,
			&item.YieldTokensMinted,
			&item.TotalYieldClaimed,
			&item.DepositTime,
			&item.LastYieldClaim,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListMarketplaces(ctx context.Context, filter MarketplaceFilter) ([]MarketplaceRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if filter.Strategy != "" {
		clauses = append(clauses, "strategy = ?")
		args = append(args, filter.Strategy)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			marketplace_id::TEXT,
			admin,
			strategy,
			yield_token_mint,
			underlying_mint,
			total_volume::TEXT,
			total_trades::TEXT,
			best_bid_price::TEXT,
			best_ask_price::TEXT,
			trading_fee_bps,
			is_active,
			created_at,
			slot,
			updated_at
		FROM marketplaces
		WHERE %s
		ORDER BY marketplace_id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]MarketplaceRecord, 0, limit)
	for rows.Next() {
		var item MarketplaceRecord
		var isActive int
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.MarketplaceID,
			&item.Admin,
			&item.Strategy,
			&item.YieldTokenMint,
			&item.UnderlyingMint,
			&item.TotalVolume,
			&item.TotalTrades,
			&item.BestBidPrice,
			&item.BestAskPrice,
			&item.TradingFeeBps,
			&isActive,
			&item.CreatedAt,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.IsActive = isActive != 0
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 6)

	if filter.User != "" {
		clauses = append(clauses, "user_pubkey = ?")
		args = append(args, filter.User)
	}
	if filter.Marketplace != "" {
		clauses = append(clauses, "marketplace = ?")
		args = append(args, filter.Marketplace)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OrderType != "" {
		clauses = append(clauses, "order_type = ?")
		args = append(args, filter.OrderType)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			order_id::TEXT,
			user_pubkey,
			marketplace,
			order_type,
			yield_token_amount::TEXT,
			price_per_token::TEXT,
			total_value::TEXT,
			filled_amount::TEXT,
			status,
			created_at,
			slot,
			updated_at
		FROM trade_orders
		WHERE %s
		ORDER BY order_id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderRecord, 0, limit)
	for rows.Next() {
		var item OrderRecord
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.OrderID,
			&item.User,
			&item.Marketplace,
			&item.OrderType,
			&item.YieldTokenAmount,
			&item.PricePerToken,
			&item.TotalValue,
			&item.FilledAmount,
			&item.Status,
			&item.CreatedAt,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListFills(ctx context.Context, filter FillFilter) ([]FillRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Marketplace != "" {
		clauses = append(clauses, "marketplace = ?")
		args = append(args, filter.Marketplace)
	}
	if filter.Order != "" {
		clauses = append(clauses, "order_pubkey = ?")
		args = append(args, filter.Order)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			order_pubkey,
			marketplace,
			order_type,
			price_per_token::TEXT,
			fill_amount::TEXT,
			filled_after::TEXT,
			slot,
			recorded_at
		FROM trade_fills
		WHERE %s
		ORDER BY recorded_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]FillRecord, 0, limit)
	for rows.Next() {
		var item FillRecord
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.OrderPubkey,
			&item.Marketplace,
			&item.OrderType,
			&item.PricePerToken,
			&item.FillAmount,
			&item.FilledAfter,
			&slot,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]CounterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, pubkey, count::TEXT, slot, updated_at
		FROM counters
		ORDER BY kind ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]CounterRecord, 0, 3)
	for rows.Next() {
		var item CounterRecord
		var slot int64
		if err := rows.Scan(&item.Kind, &item.Pubkey, &item.Count, &slot, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ConservationReport(ctx context.Context) ([]ConservationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			st.pubkey,
			st.strategy_id::TEXT,
			st.total_deposits::TEXT,
			COALESCE(SUM(p.deposited_amount), 0)::TEXT,
			COUNT(p.pubkey),
			st.total_deposits = COALESCE(SUM(p.deposited_amount), 0)
		FROM strategies st
		LEFT JOIN user_positions p ON p.strategy = st.pubkey
		GROUP BY st.pubkey, st.strategy_id, st.total_deposits
		ORDER BY st.strategy_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ConservationRecord, 0)
	for rows.Next() {
		var item ConservationRecord
		if err := rows.Scan(
			&item.Strategy,
			&item.StrategyID,
			&item.TotalDeposits,
			&item.PositionSum,
			&item.Positions,
			&item.Balanced,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetSyncState returns nil before the first successful sync.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var state SyncState
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`).Scan(&slot, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	state.LastSlot = uint64(slot)
	return &state, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
