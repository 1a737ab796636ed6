package apiserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coldbell/solayield/backend/internal/indexer"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

// Base-unit strings stay untouched; the views add human-scaled siblings.

type strategyView struct {
	indexer.StrategyRecord
	APYPercent string `json:"apy_percent"`
}

type marketplaceView struct {
	indexer.MarketplaceRecord
	BestBid    string `json:"best_bid"`
	BestAsk    string `json:"best_ask"`
	FeePercent string `json:"fee_percent"`
}

type orderView struct {
	indexer.OrderRecord
	Price     string `json:"price"`
	Remaining string `json:"remaining_amount"`
}

type fillView struct {
	indexer.FillRecord
	Price string `json:"price"`
}

type invariantsResponse struct {
	Balanced   bool                         `json:"balanced"`
	LastSlot   uint64                       `json:"last_slot"`
	Strategies []indexer.ConservationRecord `json:"strategies"`
}

// shiftText moves the decimal point of a base-unit integer string. Values that
// do not parse are returned as-is.
func shiftText(raw string, exp int32) string {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return value.Shift(exp).String()
}

func newStrategyView(record indexer.StrategyRecord) strategyView {
	return strategyView{StrategyRecord: record, APYPercent: shiftText(record.APYBasisPoints, -2)}
}

func newMarketplaceView(record indexer.MarketplaceRecord) marketplaceView {
	return marketplaceView{
		MarketplaceRecord: record,
		BestBid:           shiftText(record.BestBidPrice, -protocol.PriceDecimals),
		BestAsk:           shiftText(record.BestAskPrice, -protocol.PriceDecimals),
		FeePercent:        decimal.NewFromInt(int64(record.TradingFeeBps)).Shift(-2).String(),
	}
}

func newOrderView(record indexer.OrderRecord) orderView {
	view := orderView{OrderRecord: record, Price: shiftText(record.PricePerToken, -protocol.PriceDecimals)}
	amount, errAmount := decimal.NewFromString(record.YieldTokenAmount)
	filled, errFilled := decimal.NewFromString(record.FilledAmount)
	if errAmount == nil && errFilled == nil {
		view.Remaining = amount.Sub(filled).String()
	}
	return view
}

func newFillView(record indexer.FillRecord) fillView {
	return fillView{FillRecord: record, Price: shiftText(record.PricePerToken, -protocol.PriceDecimals)}
}

func mapItems[T, V any](items []T, fn func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.requestLogger(r).Error("health check failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false, Error: "database unavailable"})
		return
	}

	resp := healthResponse{OK: true}
	state, err := s.store.GetSyncState(r.Context())
	if err != nil {
		s.requestLogger(r).Error("get sync state failed", "err", err)
	} else if state != nil {
		resp.LastSlot = state.LastSlot
		resp.SyncedAt = state.UpdatedAt
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	admin, err := parseOptionalPubkey(r, "admin")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListStrategies(r.Context(), indexer.StrategyFilter{
		Admin:      admin,
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.requestLogger(r).Error("list strategies failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list strategies")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[strategyView]{
		Items:  mapItems(items, newStrategyView),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleStrategyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/strategies/"), "/")
	strategyID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "strategy id must be an unsigned integer")
		return
	}

	record, err := s.store.GetStrategy(r.Context(), strategyID)
	if err != nil {
		s.requestLogger(r).Error("get strategy failed", "strategy_id", strategyID, "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to get strategy")
		return
	}
	if record == nil {
		s.respondError(w, r, http.StatusNotFound, "strategy not found")
		return
	}
	s.respondJSON(w, http.StatusOK, newStrategyView(*record))
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	user, err := parseOptionalPubkey(r, "user")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := parseOptionalPubkey(r, "strategy")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPositions(r.Context(), indexer.PositionFilter{
		User:     user,
		Strategy: strategy,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.requestLogger(r).Error("list positions failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list positions")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.PositionRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleMarketplaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	strategy, err := parseOptionalPubkey(r, "strategy")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListMarketplaces(r.Context(), indexer.MarketplaceFilter{
		Strategy: strategy,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.requestLogger(r).Error("list marketplaces failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list marketplaces")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[marketplaceView]{
		Items:  mapItems(items, newMarketplaceView),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	user, err := parseOptionalPubkey(r, "user")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	marketplace, err := parseOptionalPubkey(r, "marketplace")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseOptionalEnum(r, "status", "open", "filled", "cancelled")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	orderType, err := parseOptionalEnum(r, "order_type", "buy", "sell")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrders(r.Context(), indexer.OrderFilter{
		User:        user,
		Marketplace: marketplace,
		Status:      status,
		OrderType:   orderType,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.requestLogger(r).Error("list orders failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list orders")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[orderView]{
		Items:  mapItems(items, newOrderView),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleFills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	marketplace, err := parseOptionalPubkey(r, "marketplace")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	order, err := parseOptionalPubkey(r, "order")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListFills(r.Context(), indexer.FillFilter{
		Marketplace: marketplace,
		Order:       order,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.requestLogger(r).Error("list fills failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list fills")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[fillView]{
		Items:  mapItems(items, newFillView),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	items, err := s.store.ListCounters(r.Context())
	if err != nil {
		s.requestLogger(r).Error("list counters failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list counters")
		return
	}
	s.respondJSON(w, http.StatusOK, itemsResponse[indexer.CounterRecord]{Items: items})
}

func (s *Service) handleInvariants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}

	report, err := s.store.ConservationReport(r.Context())
	if err != nil {
		s.requestLogger(r).Error("conservation report failed", "err", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to build invariant report")
		return
	}

	resp := invariantsResponse{Balanced: true, Strategies: report}
	for _, item := range report {
		if !item.Balanced {
			resp.Balanced = false
			s.requestLogger(r).Warn("strategy deposits do not match positions",
				"strategy", item.Strategy,
				"total_deposits", item.TotalDeposits,
				"position_sum", item.PositionSum,
			)
		}
	}
	if state, err := s.store.GetSyncState(r.Context()); err == nil && state != nil {
		resp.LastSlot = state.LastSlot
	}
	s.respondJSON(w, http.StatusOK, resp)
}
