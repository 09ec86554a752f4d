package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"perp-ledger/internal/custody"
	"perp-ledger/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Fee and margin schedule, fixed at build time like the original contract
// parameters. All ratios are denominated in basis points of 10000 except the
// liquidator reward, which is a percentage.
const (
	FeeBps               = 10
	MarginRequirementBps = 300
	LiquidatorRewardPct  = 33
	bpsDenominator       = 10000
)

// PositionLedger owns all market state and implements every state
// transition: open, value, close, liquidate. Each public operation either
// fully commits or fails with no partial mutation; a custody transfer
// failure aborts the whole operation.
//
// Integer division truncates toward zero (big.Int.Quo) in every formula:
// entry fee, PNL, margin ratio, and liquidator reward.
type PositionLedger struct {
	custody custody.TokenLedger
	sink    events.Sink
	log     *zap.Logger
	self    common.Address

	mu          sync.Mutex
	initialized bool
	market      Market
	sources     map[common.Address]struct{}
	positions   map[common.Address]*Position
	history     []ClosedPosition
	now         func() time.Time
}

func New(tokens custody.TokenLedger, sink events.Sink, log *zap.Logger, self common.Address) *PositionLedger {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PositionLedger{
		custody:   tokens,
		sink:      sink,
		log:       log,
		self:      self,
		positions: make(map[common.Address]*Position),
		now:       time.Now,
	}
}

// Initialize sets the immutable market parameters. It may be called exactly
// once; the price starts unset and must be populated by UpdatePrice before
// the first trade.
func (l *PositionLedger) Initialize(asset string, leverage int64, collateralAsset common.Address, authorizedSources []common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return ErrAlreadyInitialized
	}
	if leverage <= 0 {
		return errors.New("leverage must be positive")
	}
	l.market = Market{
		Asset:             asset,
		Leverage:          leverage,
		MarginRequirement: MarginRequirementBps,
		Price:             new(big.Int),
		CollateralAsset:   collateralAsset,
		LongExposure:      new(big.Int),
		ShortExposure:     new(big.Int),
	}
	l.sources = make(map[common.Address]struct{}, len(authorizedSources))
	for _, src := range authorizedSources {
		l.sources[src] = struct{}{}
	}
	l.initialized = true
	l.log.Info("ledger initialized",
		zap.String("asset", asset),
		zap.Int64("leverage", leverage),
		zap.Int("authorized_sources", len(authorizedSources)),
	)
	return nil
}

// UpdatePrice is the sole mutator of the market price.
func (l *PositionLedger) UpdatePrice(source common.Address, price *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sources[source]; !ok {
		return ErrUnauthorized
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	l.market.Price = new(big.Int).Set(price)
	return nil
}

// OpenPosition opens a leveraged position for trader. The raw collateral is
// pulled into contract custody; the entry fee is deducted before the
// position is recorded, and the notional is fixed at net collateral times
// market leverage.
func (l *PositionLedger) OpenPosition(ctx context.Context, trader common.Address, collateral *big.Int, direction Direction) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[trader]; ok {
		return nil, ErrPositionOpen
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrZeroValue
	}
	if !l.initialized || l.market.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	fee := new(big.Int).Mul(collateral, big.NewInt(FeeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	net := new(big.Int).Sub(collateral, fee)
	if net.Sign() <= 0 {
		return nil, ErrZeroValue
	}
	if err := l.custody.Transfer(ctx, trader, l.self, collateral); err != nil {
		return nil, err
	}
	pos := &Position{
		Owner:      trader,
		Collateral: net,
		Direction:  direction,
		EntryPrice: new(big.Int).Set(l.market.Price),
		Notional:   new(big.Int).Mul(net, big.NewInt(l.market.Leverage)),
		OpenedAt:   l.now(),
	}
	l.positions[trader] = pos
	l.exposure(direction).Add(l.exposure(direction), pos.Notional)
	l.sink.Trade(events.TradeEvent{
		Trader:    trader,
		Value:     new(big.Int).Set(collateral),
		Direction: direction.String(),
	})
	l.log.Info("position opened",
		zap.String("trader", trader.Hex()),
		zap.String("direction", direction.String()),
		zap.String("collateral", net.String()),
		zap.String("notional", pos.Notional.String()),
		zap.String("entry_price", pos.EntryPrice.String()),
	)
	return pos.clone(), nil
}

// Value returns the current settleable value of user's open position at the
// latest market price. Pure read.
func (l *PositionLedger) Value(user common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[user]
	if !ok {
		return nil, ErrPositionNotOpen
	}
	if l.market.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return l.positionValue(pos), nil
}

// positionValue computes collateral plus proportional PNL on notional,
// clamped at zero. PNL truncates toward zero. Caller holds the lock.
func (l *PositionLedger) positionValue(pos *Position) *big.Int {
	delta := new(big.Int).Sub(l.market.Price, pos.EntryPrice)
	if pos.Direction == Short {
		delta.Neg(delta)
	}
	pnl := new(big.Int).Mul(delta, pos.Notional)
	pnl.Quo(pnl, pos.EntryPrice)
	value := pnl.Add(pnl, pos.Collateral)
	if value.Sign() < 0 {
		value.SetInt64(0)
	}
	return value
}

// ClosePosition voluntarily settles trader's position at current value and
// returns the settled record. The payout transfer happens before any state
// is mutated.
func (l *PositionLedger) ClosePosition(ctx context.Context, trader common.Address) (ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[trader]
	if !ok {
		return ClosedPosition{}, ErrPositionNotOpen
	}
	if l.market.Price.Sign() <= 0 {
		return ClosedPosition{}, ErrInvalidPrice
	}
	value := l.positionValue(pos)
	if value.Sign() > 0 {
		if err := l.custody.Transfer(ctx, l.self, trader, value); err != nil {
			return ClosedPosition{}, err
		}
	}
	record := l.retire(pos, value, trader, ReasonVoluntary)
	l.log.Info("position closed",
		zap.String("trader", trader.Hex()),
		zap.String("settled_value", value.String()),
	)
	return record, nil
}

// LiquidatePosition force-closes an under-margined position. Eligibility is
// strict: a position exactly at the margin requirement is not liquidatable.
// The liquidator receives floor(value*33/100); the remainder stays in the
// custody pool.
func (l *PositionLedger) LiquidatePosition(ctx context.Context, liquidator, user common.Address) (ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[user]
	if !ok {
		return ClosedPosition{}, ErrPositionNotOpen
	}
	if l.market.Price.Sign() <= 0 {
		return ClosedPosition{}, ErrInvalidPrice
	}
	value := l.positionValue(pos)
	margin := new(big.Int).Mul(value, big.NewInt(bpsDenominator))
	margin.Quo(margin, pos.Notional)
	if margin.Cmp(big.NewInt(l.market.MarginRequirement)) >= 0 {
		return ClosedPosition{}, ErrAboveMargin
	}
	reward := new(big.Int).Mul(value, big.NewInt(LiquidatorRewardPct))
	reward.Quo(reward, big.NewInt(100))
	if reward.Sign() > 0 {
		if err := l.custody.Transfer(ctx, l.self, liquidator, reward); err != nil {
			return ClosedPosition{}, err
		}
	}
	record := l.retire(pos, value, liquidator, ReasonLiquidation)
	l.sink.Liquidation(events.LiquidationEvent{
		User:            user,
		Liquidator:      liquidator,
		ReturnedBalance: new(big.Int).Set(value),
	})
	l.log.Info("position liquidated",
		zap.String("user", user.Hex()),
		zap.String("liquidator", liquidator.Hex()),
		zap.String("value", value.String()),
		zap.String("reward", reward.String()),
	)
	return record, nil
}

// retire removes pos from the active map, releases its exposure, and appends
// the history record. Caller holds the lock and has completed the custody
// transfer.
func (l *PositionLedger) retire(pos *Position, value *big.Int, closer common.Address, reason CloseReason) ClosedPosition {
	delete(l.positions, pos.Owner)
	l.exposure(pos.Direction).Sub(l.exposure(pos.Direction), pos.Notional)
	record := ClosedPosition{
		Owner:        pos.Owner,
		Collateral:   new(big.Int).Set(pos.Collateral),
		Direction:    pos.Direction,
		EntryPrice:   new(big.Int).Set(pos.EntryPrice),
		ClosePrice:   new(big.Int).Set(l.market.Price),
		Notional:     new(big.Int).Set(pos.Notional),
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     l.now(),
		SettledValue: new(big.Int).Set(value),
		Closer:       closer,
		Reason:       reason,
	}
	l.history = append(l.history, record)
	return record
}

func (l *PositionLedger) exposure(direction Direction) *big.Int {
	if direction == Short {
		return l.market.ShortExposure
	}
	return l.market.LongExposure
}

// MarketState returns a copy of the market record and whether the ledger has
// been initialized.
func (l *PositionLedger) MarketState() (Market, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyMarket(l.market), l.initialized
}

// PositionOf returns a copy of user's open position, if any.
func (l *PositionLedger) PositionOf(user common.Address) (*Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[user]
	if !ok {
		return nil, false
	}
	return pos.clone(), true
}

// OpenPositions returns copies of every open position, in no defined order.
func (l *PositionLedger) OpenPositions() []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.clone())
	}
	return out
}

// History returns the most recent limit closed positions, oldest first.
// limit <= 0 returns the whole archive.
func (l *PositionLedger) History(limit int) []ClosedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && len(l.history) > limit {
		start = len(l.history) - limit
	}
	out := make([]ClosedPosition, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}
