package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Direction int8

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Market is the singleton market record. It is written at Initialize and on
// price updates, never otherwise.
type Market struct {
	Asset             string
	Leverage          int64
	MarginRequirement int64 // bps of notional below which liquidation is allowed
	Price             *big.Int
	CollateralAsset   common.Address
	LongExposure      *big.Int
	ShortExposure     *big.Int
}

// Position is a trader's single open position. Collateral is net of the
// entry fee; Notional is fixed at open time and never recomputed.
type Position struct {
	Owner      common.Address
	Collateral *big.Int
	Direction  Direction
	EntryPrice *big.Int
	Notional   *big.Int
	OpenedAt   time.Time
}

type CloseReason string

const (
	ReasonVoluntary   CloseReason = "voluntary"
	ReasonLiquidation CloseReason = "liquidation"
)

// ClosedPosition is an immutable history record appended when a position
// leaves the active map.
type ClosedPosition struct {
	Owner        common.Address
	Collateral   *big.Int
	Direction    Direction
	EntryPrice   *big.Int
	ClosePrice   *big.Int
	Notional     *big.Int
	OpenedAt     time.Time
	ClosedAt     time.Time
	SettledValue *big.Int
	Closer       common.Address
	Reason       CloseReason
}

func (p *Position) clone() *Position {
	return &Position{
		Owner:      p.Owner,
		Collateral: new(big.Int).Set(p.Collateral),
		Direction:  p.Direction,
		EntryPrice: new(big.Int).Set(p.EntryPrice),
		Notional:   new(big.Int).Set(p.Notional),
		OpenedAt:   p.OpenedAt,
	}
}

func copyMarket(m Market) Market {
	out := m
	if m.Price != nil {
		out.Price = new(big.Int).Set(m.Price)
	}
	if m.LongExposure != nil {
		out.LongExposure = new(big.Int).Set(m.LongExposure)
	}
	if m.ShortExposure != nil {
		out.ShortExposure = new(big.Int).Set(m.ShortExposure)
	}
	return out
}
