package protocol

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	IxInitializeProtocol   = "initialize_protocol"
	IxCreateStrategy       = "create_strategy"
	IxDepositToStrategy    = "deposit_to_strategy"
	IxWithdrawFromStrategy = "withdraw_from_strategy"
	IxClaimYield           = "claim_yield"
	IxRedeemYieldTokens    = "redeem_yield_tokens"
	IxCreateMarketplace    = "create_marketplace"
	IxPlaceOrder           = "place_order"
	IxExecuteTrade         = "execute_trade"
	IxCancelOrder          = "cancel_order"
)

var (
	InitializeProtocolDiscriminator   = InstructionDiscriminator(IxInitializeProtocol)
	CreateStrategyDiscriminator       = InstructionDiscriminator(IxCreateStrategy)
	DepositToStrategyDiscriminator    = InstructionDiscriminator(IxDepositToStrategy)
	WithdrawFromStrategyDiscriminator = InstructionDiscriminator(IxWithdrawFromStrategy)
	ClaimYieldDiscriminator           = InstructionDiscriminator(IxClaimYield)
	RedeemYieldTokensDiscriminator    = InstructionDiscriminator(IxRedeemYieldTokens)
	CreateMarketplaceDiscriminator    = InstructionDiscriminator(IxCreateMarketplace)
	PlaceOrderDiscriminator           = InstructionDiscriminator(IxPlaceOrder)
	ExecuteTradeDiscriminator         = InstructionDiscriminator(IxExecuteTrade)
	CancelOrderDiscriminator          = InstructionDiscriminator(IxCancelOrder)
)

func InstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Args is the borsh-encoded argument list of one instruction.
type Args interface {
	MarshalWithEncoder(encoder *bin.Encoder) error
	UnmarshalWithDecoder(decoder *bin.Decoder) error
}

type NoArgs struct{}

func (NoArgs) MarshalWithEncoder(*bin.Encoder) error   { return nil }
func (NoArgs) UnmarshalWithDecoder(*bin.Decoder) error { return nil }

type CreateStrategyArgs struct {
	Name           string
	APYBasisPoints uint16
	StrategyID     uint64
}

func (a *CreateStrategyArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder, a.Name, a.APYBasisPoints, a.StrategyID)
}

func (a *CreateStrategyArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	// Length is checked by the handler so an over-long name reports InvalidName.
	if a.Name, err = readString(decoder, decoder.Remaining()); err != nil {
		return err
	}
	if a.APYBasisPoints, err = decoder.ReadUint16(bin.LE); err != nil {
		return err
	}
	a.StrategyID, err = decoder.ReadUint64(bin.LE)
	return err
}

// AmountArgs is shared by deposit, withdraw and redeem.
type AmountArgs struct {
	Amount     uint64
	StrategyID uint64
}

func (a *AmountArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder, a.Amount, a.StrategyID)
}

func (a *AmountArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if a.Amount, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	a.StrategyID, err = decoder.ReadUint64(bin.LE)
	return err
}

// IDArgs carries a single u64 id: claim_yield, cancel_order, execute_trade.
type IDArgs struct {
	ID uint64
}

func (a *IDArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encoder.WriteUint64(a.ID, bin.LE)
}

func (a *IDArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	a.ID, err = decoder.ReadUint64(bin.LE)
	return err
}

type CreateMarketplaceArgs struct {
	StrategyID    uint64
	MarketplaceID uint64
	TradingFeeBps uint16
}

func (a *CreateMarketplaceArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder, a.StrategyID, a.MarketplaceID, a.TradingFeeBps)
}

func (a *CreateMarketplaceArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if a.StrategyID, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if a.MarketplaceID, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	a.TradingFeeBps, err = decoder.ReadUint16(bin.LE)
	return err
}

type PlaceOrderArgs struct {
	OrderID          uint64
	OrderType        OrderType
	YieldTokenAmount uint64
	PricePerToken    uint64
}

func (a *PlaceOrderArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder, a.OrderID, uint8(a.OrderType), a.YieldTokenAmount, a.PricePerToken)
}

func (a *PlaceOrderArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if a.OrderID, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	orderType, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	a.OrderType = OrderType(orderType)
	if a.YieldTokenAmount, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	a.PricePerToken, err = decoder.ReadUint64(bin.LE)
	return err
}

func EncodeInstructionData(discriminator [8]byte, args Args) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if args != nil {
		if err := args.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
			return nil, fmt.Errorf("encode instruction args: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// SplitInstructionData separates the 8-byte selector from the argument bytes.
func SplitInstructionData(data []byte) ([8]byte, []byte, error) {
	var disc [8]byte
	if len(data) < len(disc) {
		return disc, nil, fmt.Errorf("%w: instruction data too short", ErrInstructionFallbackNotFound)
	}
	copy(disc[:], data[:len(disc)])
	return disc, data[len(disc):], nil
}

// DecodeInstructionArgs rejects truncated and over-long argument bytes.
func DecodeInstructionArgs(raw []byte, args Args) error {
	decoder := bin.NewBorshDecoder(raw)
	if err := args.UnmarshalWithDecoder(decoder); err != nil {
		return fmt.Errorf("%w: %v", ErrInstructionDidNotDeserialize, err)
	}
	if decoder.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInstructionDidNotDeserialize, decoder.Remaining())
	}
	return nil
}

func newInstruction(programID solana.PublicKey, metas solana.AccountMetaSlice, discriminator [8]byte, args Args) (solana.Instruction, error) {
	data, err := EncodeInstructionData(discriminator, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func NewInitializeProtocolInstruction(programID solana.PublicKey, accounts InitializeProtocolAccounts) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), InitializeProtocolDiscriminator, NoArgs{})
}

func NewCreateStrategyInstruction(programID solana.PublicKey, accounts CreateStrategyAccounts, args CreateStrategyArgs) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), CreateStrategyDiscriminator, &args)
}

func NewDepositToStrategyInstruction(programID solana.PublicKey, accounts DepositAccounts, amount, strategyID uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), DepositToStrategyDiscriminator, &AmountArgs{Amount: amount, StrategyID: strategyID})
}

func NewWithdrawFromStrategyInstruction(programID solana.PublicKey, accounts WithdrawAccounts, amount, strategyID uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), WithdrawFromStrategyDiscriminator, &AmountArgs{Amount: amount, StrategyID: strategyID})
}

func NewClaimYieldInstruction(programID solana.PublicKey, accounts ClaimYieldAccounts, strategyID uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), ClaimYieldDiscriminator, &IDArgs{ID: strategyID})
}

func NewRedeemYieldTokensInstruction(programID solana.PublicKey, accounts RedeemAccounts, yieldTokenAmount, strategyID uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), RedeemYieldTokensDiscriminator, &AmountArgs{Amount: yieldTokenAmount, StrategyID: strategyID})
}

func NewCreateMarketplaceInstruction(programID solana.PublicKey, accounts CreateMarketplaceAccounts, args CreateMarketplaceArgs) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), CreateMarketplaceDiscriminator, &args)
}

func NewPlaceOrderInstruction(programID solana.PublicKey, accounts PlaceOrderAccounts, args PlaceOrderArgs) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), PlaceOrderDiscriminator, &args)
}

func NewExecuteTradeInstruction(programID solana.PublicKey, accounts ExecuteTradeAccounts, tradeAmount uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), ExecuteTradeDiscriminator, &IDArgs{ID: tradeAmount})
}

func NewCancelOrderInstruction(programID solana.PublicKey, accounts CancelOrderAccounts, orderID uint64) (solana.Instruction, error) {
	return newInstruction(programID, accounts.Metas(), CancelOrderDiscriminator, &IDArgs{ID: orderID})
}
