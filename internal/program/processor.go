// Package program implements the SolaYield instruction handlers. Every
// handler validates its inputs before the first mutation; the host discards
// all effects of a failed instruction.
package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/ledger"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

// Settlement selects the asset claim_yield pays accrued yield in.
type Settlement string

const (
	SettleUnderlying Settlement = "underlying"
	SettleYieldToken Settlement = "yield_token"
)

type Options struct {
	ProgramID       solana.PublicKey
	YieldSettlement Settlement
}

type Processor struct {
	programID  solana.PublicKey
	settlement Settlement
}

func New(opts Options) *Processor {
	programID := opts.ProgramID
	if programID.IsZero() {
		programID = protocol.ProgramID
	}
	settlement := opts.YieldSettlement
	if settlement == "" {
		settlement = SettleUnderlying
	}
	return &Processor{programID: programID, settlement: settlement}
}

func (p *Processor) ProgramID() solana.PublicKey { return p.programID }

// Register installs the processor on a ledger under its program id.
func (p *Processor) Register(l *ledger.Ledger) {
	l.RegisterProgram(p.programID, p)
}

func (p *Processor) Process(ic *ledger.InvokeContext) error {
	disc, raw, err := protocol.SplitInstructionData(ic.Data())
	if err != nil {
		return err
	}

	switch disc {
	case protocol.InitializeProtocolDiscriminator:
		return p.initializeProtocol(ic)
	case protocol.CreateStrategyDiscriminator:
		var args protocol.CreateStrategyArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.createStrategy(ic, args)
	case protocol.DepositToStrategyDiscriminator:
		var args protocol.AmountArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.depositToStrategy(ic, args.Amount, args.StrategyID)
	case protocol.WithdrawFromStrategyDiscriminator:
		var args protocol.AmountArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.withdrawFromStrategy(ic, args.Amount, args.StrategyID)
	case protocol.ClaimYieldDiscriminator:
		var args protocol.IDArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.claimYield(ic, args.ID)
	case protocol.RedeemYieldTokensDiscriminator:
		var args protocol.AmountArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.redeemYieldTokens(ic, args.Amount, args.StrategyID)
	case protocol.CreateMarketplaceDiscriminator:
		var args protocol.CreateMarketplaceArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.createMarketplace(ic, args)
	case protocol.PlaceOrderDiscriminator:
		var args protocol.PlaceOrderArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.placeOrder(ic, args)
	case protocol.ExecuteTradeDiscriminator:
		var args protocol.IDArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.executeTrade(ic, args.ID)
	case protocol.CancelOrderDiscriminator:
		var args protocol.IDArgs
		if err := protocol.DecodeInstructionArgs(raw, &args); err != nil {
			return err
		}
		return p.cancelOrder(ic, args.ID)
	default:
		return fmt.Errorf("%w: selector %x", protocol.ErrInstructionFallbackNotFound, disc)
	}
}
