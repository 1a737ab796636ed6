package protocol

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const discriminatorLen = 8

// Allocated account sizes, discriminator included. Strategy reserves the full
// name cap so every strategy account has the same size.
const (
	CounterSpace      = discriminatorLen + 8
	StrategySpace     = discriminatorLen + 32*3 + 4 + MaxStrategyNameLen + 8 + 8 + 1 + 8 + 8 + 8
	UserPositionSpace = discriminatorLen + 32*2 + 8*6
	MarketplaceSpace  = discriminatorLen + 32*4 + 8*4 + 2 + 1 + 8 + 8
	TradeOrderSpace   = discriminatorLen + 32*2 + 1 + 8*4 + 1 + 8 + 8
)

var (
	StrategyCounterDiscriminator    = AccountDiscriminator("StrategyCounter")
	MarketplaceCounterDiscriminator = AccountDiscriminator("MarketplaceCounter")
	OrderCounterDiscriminator       = AccountDiscriminator("OrderCounter")
	StrategyDiscriminator           = AccountDiscriminator("Strategy")
	UserPositionDiscriminator       = AccountDiscriminator("UserPosition")
	MarketplaceDiscriminator        = AccountDiscriminator("Marketplace")
	TradeOrderDiscriminator         = AccountDiscriminator("TradeOrder")
)

func AccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Account is implemented by every program-owned record.
type Account interface {
	Discriminator() [8]byte
	MarshalWithEncoder(encoder *bin.Encoder) error
	UnmarshalWithDecoder(decoder *bin.Decoder) error
}

func EncodeAccount(account Account) ([]byte, error) {
	buf := new(bytes.Buffer)
	disc := account.Discriminator()
	buf.Write(disc[:])
	if err := account.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAccount refuses to look past the tag when it does not match the
// expected type. Bytes after the last field are allocation padding.
func DecodeAccount(data []byte, account Account) error {
	want := account.Discriminator()
	if len(data) < discriminatorLen {
		return fmt.Errorf("%w: account data too short (%d bytes)", ErrInvalidAccount, len(data))
	}
	if !bytes.Equal(data[:discriminatorLen], want[:]) {
		return fmt.Errorf("%w: unexpected discriminator %x", ErrInvalidAccount, data[:discriminatorLen])
	}
	if err := account.UnmarshalWithDecoder(bin.NewBorshDecoder(data[discriminatorLen:])); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return nil
}

// AccountKindOf names the record type tagged at the start of data.
func AccountKindOf(data []byte) (string, bool) {
	if len(data) < discriminatorLen {
		return "", false
	}
	var disc [8]byte
	copy(disc[:], data[:discriminatorLen])
	switch disc {
	case StrategyCounterDiscriminator:
		return "StrategyCounter", true
	case MarketplaceCounterDiscriminator:
		return "MarketplaceCounter", true
	case OrderCounterDiscriminator:
		return "OrderCounter", true
	case StrategyDiscriminator:
		return "Strategy", true
	case UserPositionDiscriminator:
		return "UserPosition", true
	case MarketplaceDiscriminator:
		return "Marketplace", true
	case TradeOrderDiscriminator:
		return "TradeOrder", true
	}
	return "", false
}

type CounterKind uint8

const (
	CounterStrategy CounterKind = iota
	CounterMarketplace
	CounterOrder
)

func (k CounterKind) String() string {
	switch k {
	case CounterStrategy:
		return "strategy"
	case CounterMarketplace:
		return "marketplace"
	case CounterOrder:
		return "order"
	default:
		return "unknown"
	}
}

func (k CounterKind) Seed() []byte {
	switch k {
	case CounterMarketplace:
		return SeedMarketplaceCounter
	case CounterOrder:
		return SeedOrderCounter
	default:
		return SeedStrategyCounter
	}
}

// Counter holds the next id to assign for its kind.
type Counter struct {
	Kind  CounterKind
	Count uint64
}

func (c *Counter) Discriminator() [8]byte {
	switch c.Kind {
	case CounterMarketplace:
		return MarketplaceCounterDiscriminator
	case CounterOrder:
		return OrderCounterDiscriminator
	default:
		return StrategyCounterDiscriminator
	}
}

func (c *Counter) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encoder.WriteUint64(c.Count, bin.LE)
}

func (c *Counter) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	c.Count, err = decoder.ReadUint64(bin.LE)
	return err
}

type Strategy struct {
	Admin                  solana.PublicKey
	UnderlyingToken        solana.PublicKey
	YieldTokenMint         solana.PublicKey
	Name                   string
	APY                    uint64
	TotalDeposits          uint64
	IsActive               bool
	CreatedAt              int64
	TotalYieldTokensMinted uint64
	StrategyID             uint64
}

func (s *Strategy) Discriminator() [8]byte { return StrategyDiscriminator }

func (s *Strategy) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	return encodeFields(encoder,
		s.Admin, s.UnderlyingToken, s.YieldTokenMint,
		s.Name, s.APY, s.TotalDeposits, s.IsActive, s.CreatedAt,
		s.TotalYieldTokensMinted, s.StrategyID,
	)
}

func (s *Strategy) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if s.Admin, err = readPubkey(decoder); err != nil {
		return err
	}
	if s.UnderlyingToken, err = readPubkey(decoder); err != nil {
		return err
	}
	if s.YieldTokenMint, err = readPubkey(decoder); err != nil {
		return err
	}
	if s.Name, err = readString(decoder, MaxStrategyNameLen); err != nil {
		return err
	}
	if err = ValidateName(s.Name); err != nil {
		return err
	}
	if s.APY, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if s.TotalDeposits, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if s.IsActive, err = readBool(decoder); err != nil {
		return err
	}
	if s.CreatedAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	if s.TotalYieldTokensMinted, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	s.StrategyID, err = decoder.ReadUint64(bin.LE)
	return err
}

type UserPosition struct {
	User              solana.PublicKey
	Strategy          solana.PublicKey
	DepositedAmount   uint64
	YieldTokensMinted uint64
	DepositTime       int64
	LastYieldClaim    int64
	TotalYieldClaimed uint64
	PositionID        uint64
}

func (p *UserPosition) Discriminator() [8]byte { return UserPositionDiscriminator }

func (p *UserPosition) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder,
		p.User, p.Strategy, p.DepositedAmount, p.YieldTokensMinted,
		p.DepositTime, p.LastYieldClaim, p.TotalYieldClaimed, p.PositionID,
	)
}

func (p *UserPosition) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if p.User, err = readPubkey(decoder); err != nil {
		return err
	}
	if p.Strategy, err = readPubkey(decoder); err != nil {
		return err
	}
	if p.DepositedAmount, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if p.YieldTokensMinted, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if p.DepositTime, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	if p.LastYieldClaim, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	if p.TotalYieldClaimed, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	p.PositionID, err = decoder.ReadUint64(bin.LE)
	return err
}

type Marketplace struct {
	Admin               solana.PublicKey
	Strategy            solana.PublicKey
	YieldTokenMint      solana.PublicKey
	UnderlyingTokenMint solana.PublicKey
	TotalVolume         uint64
	TotalTrades         uint64
	BestBidPrice        uint64
	BestAskPrice        uint64
	TradingFeeBps       uint16
	IsActive            bool
	CreatedAt           int64
	MarketplaceID       uint64
}

func (m *Marketplace) Discriminator() [8]byte { return MarketplaceDiscriminator }

func (m *Marketplace) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder,
		m.Admin, m.Strategy, m.YieldTokenMint, m.UnderlyingTokenMint,
		m.TotalVolume, m.TotalTrades, m.BestBidPrice, m.BestAskPrice,
		m.TradingFeeBps, m.IsActive, m.CreatedAt, m.MarketplaceID,
	)
}

func (m *Marketplace) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if m.Admin, err = readPubkey(decoder); err != nil {
		return err
	}
	if m.Strategy, err = readPubkey(decoder); err != nil {
		return err
	}
	if m.YieldTokenMint, err = readPubkey(decoder); err != nil {
		return err
	}
	if m.UnderlyingTokenMint, err = readPubkey(decoder); err != nil {
		return err
	}
	if m.TotalVolume, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if m.TotalTrades, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if m.BestBidPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if m.BestAskPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if m.TradingFeeBps, err = decoder.ReadUint16(bin.LE); err != nil {
		return err
	}
	if m.IsActive, err = readBool(decoder); err != nil {
		return err
	}
	if m.CreatedAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	m.MarketplaceID, err = decoder.ReadUint64(bin.LE)
	return err
}

type TradeOrder struct {
	User             solana.PublicKey
	Marketplace      solana.PublicKey
	OrderType        OrderType
	YieldTokenAmount uint64
	PricePerToken    uint64
	TotalValue       uint64
	FilledAmount     uint64
	IsActive         bool
	CreatedAt        int64
	OrderID          uint64
}

func (o *TradeOrder) Discriminator() [8]byte { return TradeOrderDiscriminator }

// Remaining is the unfilled yield-token quantity.
func (o *TradeOrder) Remaining() uint64 {
	if o.FilledAmount >= o.YieldTokenAmount {
		return 0
	}
	return o.YieldTokenAmount - o.FilledAmount
}

func (o *TradeOrder) MarshalWithEncoder(encoder *bin.Encoder) error {
	return encodeFields(encoder,
		o.User, o.Marketplace, uint8(o.OrderType),
		o.YieldTokenAmount, o.PricePerToken, o.TotalValue, o.FilledAmount,
		o.IsActive, o.CreatedAt, o.OrderID,
	)
}

func (o *TradeOrder) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if o.User, err = readPubkey(decoder); err != nil {
		return err
	}
	if o.Marketplace, err = readPubkey(decoder); err != nil {
		return err
	}
	orderType, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	o.OrderType = OrderType(orderType)
	if !o.OrderType.Valid() {
		return fmt.Errorf("invalid order type %d", orderType)
	}
	if o.YieldTokenAmount, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.PricePerToken, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.TotalValue, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.FilledAmount, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.IsActive, err = readBool(decoder); err != nil {
		return err
	}
	if o.CreatedAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	o.OrderID, err = decoder.ReadUint64(bin.LE)
	return err
}

func encodeFields(encoder *bin.Encoder, fields ...any) error {
	for _, field := range fields {
		var err error
		switch v := field.(type) {
		case solana.PublicKey:
			err = encoder.WriteBytes(v[:], false)
		case string:
			err = writeString(encoder, v)
		case uint8:
			err = encoder.WriteUint8(v)
		case uint16:
			err = encoder.WriteUint16(v, bin.LE)
		case uint64:
			err = encoder.WriteUint64(v, bin.LE)
		case int64:
			err = encoder.WriteInt64(v, bin.LE)
		case bool:
			err = encoder.WriteBool(v)
		default:
			err = fmt.Errorf("unsupported field type %T", field)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeString writes a u32 little-endian byte length followed by the bytes.
func writeString(encoder *bin.Encoder, v string) error {
	if err := encoder.WriteUint32(uint32(len(v)), bin.LE); err != nil {
		return err
	}
	return encoder.WriteBytes([]byte(v), false)
}

func readString(decoder *bin.Decoder, maxLen int) (string, error) {
	n, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(maxLen) {
		return "", fmt.Errorf("%w: length prefix %d exceeds %d", ErrInvalidName, n, maxLen)
	}
	raw, err := decoder.ReadNBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readPubkey(decoder *bin.Decoder) (solana.PublicKey, error) {
	raw, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func readBool(decoder *bin.Decoder) (bool, error) {
	raw, err := decoder.ReadUint8()
	if err != nil {
		return false, err
	}
	switch raw {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool byte %d", raw)
	}
}

func ValidateName(name string) error {
	if name == "" || len(name) > MaxStrategyNameLen || !utf8.ValidString(name) {
		return fmt.Errorf("%w: %d bytes", ErrInvalidName, len(name))
	}
	return nil
}
