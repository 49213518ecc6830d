package polymarket

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ammhedge/internal/crypto"
	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// usdcScale is the number of base units per share or USDC.
var usdcScale = decimal.New(1, 6)

// VenueOptions tunes how hedge orders are built.
type VenueOptions struct {
	// Funder is the proxy or Safe that holds funds; empty means the signer.
	Funder        string
	SignatureType int
	FeeRateBps    int64
	// OrderType is FOK (default) or FAK. Resting types such as GTC are
	// refused: a hedge must never leave shares working on the book after
	// its attempt ends.
	OrderType string
	// TickSize defaults to 0.01.
	TickSize float64
}

// Venue places hedge orders on the Polymarket CLOB.
type Venue struct {
	clob   *ClobClient
	signer *crypto.Signer
	opts   VenueOptions
	tick   decimal.Decimal
	logger *slog.Logger

	negRisk sync.Map // tokenID -> bool
}

var _ domain.HedgeVenue = (*Venue)(nil)

// NewVenue creates the live hedge venue.
func NewVenue(clob *ClobClient, signer *crypto.Signer, opts VenueOptions, logger *slog.Logger) *Venue {
	logger = logger.With(slog.String("component", "polymarket_venue"))
	switch strings.ToUpper(opts.OrderType) {
	case "FOK", "FAK":
		opts.OrderType = strings.ToUpper(opts.OrderType)
	case "":
		opts.OrderType = "FOK"
	default:
		logger.Warn("hedge order type not immediate-or-cancel, using FOK", slog.String("order_type", opts.OrderType))
		opts.OrderType = "FOK"
	}
	if opts.TickSize <= 0 {
		opts.TickSize = 0.01
	}
	return &Venue{
		clob:   clob,
		signer: signer,
		opts:   opts,
		tick:   decimal.NewFromFloat(opts.TickSize),
		logger: logger,
	}
}

// PlaceOrder signs and submits order. The venue answers synchronously with
// matched, live or unmatched; an in-band rejection is an error.
func (v *Venue) PlaceOrder(ctx context.Context, order domain.VenueOrder) (domain.VenueFill, error) {
	signed, err := v.build(ctx, order)
	if err != nil {
		return domain.VenueFill{}, err
	}
	res, err := v.clob.PostOrder(ctx, signed, v.opts.OrderType)
	if err != nil {
		return domain.VenueFill{}, err
	}
	if !res.Success {
		return domain.VenueFill{OrderID: res.OrderID}, fmt.Errorf("polymarket/venue: order rejected: %s", res.ErrorMsg)
	}

	fill := domain.VenueFill{OrderID: res.OrderID, Status: VenueStatus(res.Status)}
	if fill.Status == domain.VenueOrderMatched {
		fill.FilledSize, fill.AvgPrice = v.matchedAmounts(order, res)
		fill.Fees = v.fees(fill.FilledSize, fill.AvgPrice)
	}
	v.logger.DebugContext(ctx, "hedge order placed",
		slog.String("order_id", res.OrderID),
		slog.String("token_id", order.TokenID),
		slog.String("status", string(fill.Status)),
	)
	return fill, nil
}

// OrderStatus polls the venue for the order's state.
func (v *Venue) OrderStatus(ctx context.Context, orderID string) (domain.VenueFill, error) {
	o, err := v.clob.GetOrder(ctx, orderID)
	if err != nil {
		return domain.VenueFill{}, err
	}
	fill := domain.VenueFill{OrderID: o.ID, Status: VenueStatus(o.Status)}
	fill.FilledSize, _ = strconv.ParseFloat(o.SizeMatched, 64)
	fill.AvgPrice, _ = strconv.ParseFloat(o.Price, 64)
	fill.Fees = v.fees(fill.FilledSize, fill.AvgPrice)
	return fill, nil
}

// CancelOrder cancels orderID.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	return v.clob.CancelOrder(ctx, orderID)
}

// build rounds the order onto the tick grid (down for buys, up for sells,
// so the limit is never loosened) and signs it.
func (v *Venue) build(ctx context.Context, order domain.VenueOrder) (SignedOrder, error) {
	if order.Size <= 0 || order.LimitPrice <= 0 || order.LimitPrice >= 1 {
		return SignedOrder{}, fmt.Errorf("polymarket/venue: %w: size %.6f price %.6f", domain.ErrValidation, order.Size, order.LimitPrice)
	}
	tokenID, ok := new(big.Int).SetString(order.TokenID, 10)
	if !ok {
		return SignedOrder{}, fmt.Errorf("polymarket/venue: %w: token id %q", domain.ErrValidation, order.TokenID)
	}

	price := decimal.NewFromFloat(order.LimitPrice).Div(v.tick)
	if order.Side == domain.OrderSideBuy {
		price = price.Floor()
	} else {
		price = price.Ceil()
	}
	price = price.Mul(v.tick)
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return SignedOrder{}, fmt.Errorf("polymarket/venue: %w: price %s off the tick grid", domain.ErrValidation, price)
	}
	shares := decimal.NewFromFloat(order.Size).RoundDown(2)
	notional := shares.Mul(price).RoundDown(4)
	if !shares.IsPositive() || !notional.IsPositive() {
		return SignedOrder{}, fmt.Errorf("polymarket/venue: %w: size below minimum", domain.ErrValidation)
	}

	side, sideName := crypto.SideBuy, "BUY"
	maker, taker := notional, shares
	if order.Side == domain.OrderSideSell {
		side, sideName = crypto.SideSell, "SELL"
		maker, taker = shares, notional
	}

	exchange := crypto.ExchangeAddress
	if v.isNegRisk(ctx, order.TokenID) {
		exchange = crypto.NegRiskExchangeAddress
	}
	funder := v.signer.Address()
	if v.opts.Funder != "" {
		funder = common.HexToAddress(v.opts.Funder)
	}

	u := uuid.New()
	salt := int64(binary.BigEndian.Uint64(u[:8]) >> 11)
	o := crypto.Order{
		Salt:          big.NewInt(salt),
		Maker:         funder,
		Signer:        v.signer.Address(),
		TokenID:       tokenID,
		MakerAmount:   maker.Mul(usdcScale).BigInt(),
		TakerAmount:   taker.Mul(usdcScale).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(v.opts.FeeRateBps),
		Side:          side,
		SignatureType: uint8(v.opts.SignatureType),
	}
	sig, err := v.signer.SignOrder(o, exchange)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("polymarket/venue: %w: %w", domain.ErrSigningFailed, err)
	}
	return SignedOrder{
		Salt:          salt,
		Maker:         o.Maker.Hex(),
		Signer:        o.Signer.Hex(),
		Taker:         o.Taker.Hex(),
		TokenID:       order.TokenID,
		MakerAmount:   o.MakerAmount.String(),
		TakerAmount:   o.TakerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.FormatInt(v.opts.FeeRateBps, 10),
		Side:          sideName,
		SignatureType: v.opts.SignatureType,
		Signature:     sig,
	}, nil
}

func (v *Venue) isNegRisk(ctx context.Context, tokenID string) bool {
	if cached, ok := v.negRisk.Load(tokenID); ok {
		return cached.(bool)
	}
	neg, err := v.clob.NegRisk(ctx, tokenID)
	if err != nil {
		v.logger.WarnContext(ctx, "neg risk lookup failed, using standard exchange",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return false
	}
	v.negRisk.Store(tokenID, neg)
	return neg
}

// matchedAmounts derives shares and average price from the making/taking
// amounts, falling back to the order itself when the venue omits them.
func (v *Venue) matchedAmounts(order domain.VenueOrder, res PostOrderResult) (float64, float64) {
	making, errM := decimal.NewFromString(res.MakingAmount)
	taking, errT := decimal.NewFromString(res.TakingAmount)
	if errM != nil || errT != nil || !making.IsPositive() || !taking.IsPositive() {
		return order.Size, order.LimitPrice
	}
	shares, usdc := taking, making
	if order.Side == domain.OrderSideSell {
		shares, usdc = making, taking
	}
	return shares.InexactFloat64(), usdc.Div(shares).InexactFloat64()
}

func (v *Venue) fees(size, price float64) float64 {
	if v.opts.FeeRateBps <= 0 {
		return 0
	}
	return decimal.NewFromFloat(size).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.New(v.opts.FeeRateBps, -4)).
		Round(6).InexactFloat64()
}
