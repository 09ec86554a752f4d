package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"go.uber.org/zap"
)

// TradeEvent is emitted when a position opens. Value is the raw collateral
// committed by the trader, before the entry fee.
type TradeEvent struct {
	Trader    common.Address
	Value     *big.Int
	Direction string
}

// LiquidationEvent is emitted when a position is force-closed.
// ReturnedBalance is the position value at liquidation time.
type LiquidationEvent struct {
	User            common.Address
	Liquidator      common.Address
	ReturnedBalance *big.Int
}

// Sink receives ledger notifications. Implementations must not block; the
// ledger calls them while holding its lock.
type Sink interface {
	Trade(ev TradeEvent)
	Liquidation(ev LiquidationEvent)
}

type NopSink struct{}

func (NopSink) Trade(TradeEvent)             {}
func (NopSink) Liquidation(LiquidationEvent) {}

// LogSink mirrors events into structured logs.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Trade(ev TradeEvent) {
	if s.log == nil {
		return
	}
	s.log.Info("trade placed",
		zap.String("trader", ev.Trader.Hex()),
		zap.String("value", ev.Value.String()),
		zap.String("direction", ev.Direction),
	)
}

func (s *LogSink) Liquidation(ev LiquidationEvent) {
	if s.log == nil {
		return
	}
	s.log.Info("position liquidated",
		zap.String("user", ev.User.Hex()),
		zap.String("liquidator", ev.Liquidator.Hex()),
		zap.String("returned_balance", ev.ReturnedBalance.String()),
	)
}

// Fanout forwards each event to every child sink in order.
type Fanout []Sink

func (f Fanout) Trade(ev TradeEvent) {
	for _, s := range f {
		if s != nil {
			s.Trade(ev)
		}
	}
}

func (f Fanout) Liquidation(ev LiquidationEvent) {
	for _, s := range f {
		if s != nil {
			s.Liquidation(ev)
		}
	}
}
