// Package indexer mirrors SolaYield program accounts into Postgres.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

type RPC interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

type Service struct {
	cfg    config.IndexerConfig
	rpc    RPC
	store  *Store
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		store:  store,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program", s.cfg.ProgramID,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

type keyedStrategy struct {
	pubkey   solana.PublicKey
	strategy *protocol.Strategy
}

type keyedPosition struct {
	pubkey   solana.PublicKey
	position *protocol.UserPosition
}

type keyedMarketplace struct {
	pubkey      solana.PublicKey
	marketplace *protocol.Marketplace
}

type keyedOrder struct {
	pubkey solana.PublicKey
	order  *protocol.TradeOrder
}

type keyedCounter struct {
	pubkey  solana.PublicKey
	counter *protocol.Counter
}

// snapshot is every program account decoded at one slot.
type snapshot struct {
	slot         uint64
	counters     []keyedCounter
	strategies   []keyedStrategy
	positions    []keyedPosition
	marketplaces []keyedMarketplace
	orders       []keyedOrder
}

func (s *Service) syncOnce(ctx context.Context) error {
	snap, err := s.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *Tx) error {
		for _, item := range snap.counters {
			if err := s.store.UpsertCounterTx(ctx, tx, item.pubkey, snap.slot, item.counter); err != nil {
				return fmt.Errorf("upsert %s counter: %w", item.counter.Kind, err)
			}
		}
		for _, item := range snap.strategies {
			if err := s.store.UpsertStrategyTx(ctx, tx, item.pubkey, snap.slot, item.strategy); err != nil {
				return fmt.Errorf("upsert strategy %s: %w", item.pubkey, err)
			}
		}
		for _, item := range snap.positions {
			if err := s.store.UpsertPositionTx(ctx, tx, item.pubkey, snap.slot, item.position); err != nil {
				return fmt.Errorf("upsert position %s: %w", item.pubkey, err)
			}
		}
		for _, item := range snap.marketplaces {
			if err := s.store.UpsertMarketplaceTx(ctx, tx, item.pubkey, snap.slot, item.marketplace); err != nil {
				return fmt.Errorf("upsert marketplace %s: %w", item.pubkey, err)
			}
		}
		for _, item := range snap.orders {
			if err := s.store.UpsertOrderTx(ctx, tx, item.pubkey, snap.slot, item.order); err != nil {
				return fmt.Errorf("upsert order %s: %w", item.pubkey, err)
			}
		}
		return s.store.UpsertSyncStateTx(ctx, tx, snap.slot)
	})
	if err != nil {
		return err
	}

	for _, violation := range conservationViolations(snap) {
		s.logger.Warn("strategy deposits do not match positions",
			"strategy", violation.strategy,
			"strategy_id", violation.strategyID,
			"total_deposits", violation.totalDeposits,
			"position_sum", violation.positionSum,
			"slot", snap.slot,
		)
	}

	s.logger.Info(
		"sync complete",
		"slot", snap.slot,
		"strategies", len(snap.strategies),
		"positions", len(snap.positions),
		"marketplaces", len(snap.marketplaces),
		"orders", len(snap.orders),
	)
	return nil
}

func (s *Service) fetchSnapshot(ctx context.Context) (*snapshot, error) {
	var slot uint64
	err := s.withRPCRetry(ctx, "get slot", func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}

	snap := &snapshot{slot: slot}

	for _, kind := range []protocol.CounterKind{protocol.CounterStrategy, protocol.CounterMarketplace, protocol.CounterOrder} {
		probe := &protocol.Counter{Kind: kind}
		if err := s.scan(ctx, slot, kind.String()+"_counter", probe.Discriminator(), func(item *rpc.KeyedAccount) error {
			counter := &protocol.Counter{Kind: kind}
			if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), counter); err != nil {
				return err
			}
			snap.counters = append(snap.counters, keyedCounter{pubkey: item.Pubkey, counter: counter})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := s.scan(ctx, slot, "Strategy", protocol.StrategyDiscriminator, func(item *rpc.KeyedAccount) error {
		var strategy protocol.Strategy
		if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), &strategy); err != nil {
			return err
		}
		snap.strategies = append(snap.strategies, keyedStrategy{pubkey: item.Pubkey, strategy: &strategy})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, slot, "UserPosition", protocol.UserPositionDiscriminator, func(item *rpc.KeyedAccount) error {
		var position protocol.UserPosition
		if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), &position); err != nil {
			return err
		}
		snap.positions = append(snap.positions, keyedPosition{pubkey: item.Pubkey, position: &position})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, slot, "Marketplace", protocol.MarketplaceDiscriminator, func(item *rpc.KeyedAccount) error {
		var marketplace protocol.Marketplace
		if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), &marketplace); err != nil {
			return err
		}
		snap.marketplaces = append(snap.marketplaces, keyedMarketplace{pubkey: item.Pubkey, marketplace: &marketplace})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, slot, "TradeOrder", protocol.TradeOrderDiscriminator, func(item *rpc.KeyedAccount) error {
		var order protocol.TradeOrder
		if err := protocol.DecodeAccount(item.Account.Data.GetBinary(), &order); err != nil {
			return err
		}
		snap.orders = append(snap.orders, keyedOrder{pubkey: item.Pubkey, order: &order})
		return nil
	}); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *Service) scan(
	ctx context.Context,
	slot uint64,
	accountType string,
	discriminator [8]byte,
	handler func(item *rpc.KeyedAccount) error,
) error {
	var accounts rpc.GetProgramAccountsResult
	err := s.withRPCRetry(ctx, "scan "+accountType, func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, s.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scan %s accounts for program %s: %w", accountType, s.cfg.ProgramID, err)
	}

	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if !item.Account.Owner.Equals(s.cfg.ProgramID) {
			continue
		}
		if err := handler(item); err != nil {
			s.logger.Warn("failed to index account",
				"account_type", accountType,
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
		}
	}
	return nil
}

func (s *Service) withRPCRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RPCRetryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= s.cfg.RPCMaxRetries {
			return err
		}
		s.logger.Warn("rpc call failed, retrying", "op", op, "attempt", attempt+1, "retry_in", delay.String(), "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = nextBackoff(delay, s.cfg.RPCRetryBaseDelay, s.cfg.RPCRetryMaxDelay)
	}
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if current < floor {
		current = floor
	}
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

type conservationViolation struct {
	strategy      solana.PublicKey
	strategyID    uint64
	totalDeposits uint64
	positionSum   uint64
}

// conservationViolations lists strategies whose total_deposits differs from
// the sum of their positions' deposited amounts.
func conservationViolations(snap *snapshot) []conservationViolation {
	sums := make(map[solana.PublicKey]uint64, len(snap.strategies))
	overflowed := make(map[solana.PublicKey]bool)
	for _, item := range snap.positions {
		next, err := protocol.CheckedAdd(sums[item.position.Strategy], item.position.DepositedAmount)
		if err != nil {
			overflowed[item.position.Strategy] = true
			continue
		}
		sums[item.position.Strategy] = next
	}

	var out []conservationViolation
	for _, item := range snap.strategies {
		sum := sums[item.pubkey]
		if !overflowed[item.pubkey] && sum == item.strategy.TotalDeposits {
			continue
		}
		out = append(out, conservationViolation{
			strategy:      item.pubkey,
			strategyID:    item.strategy.StrategyID,
			totalDeposits: item.strategy.TotalDeposits,
			positionSum:   sum,
		})
	}
	return out
}
