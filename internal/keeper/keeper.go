package keeper

import (
	"context"
	"errors"
	"time"

	"perp-ledger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Ledger is the slice of the position ledger the keeper needs.
type Ledger interface {
	OpenPositions() []*ledger.Position
	LiquidatePosition(ctx context.Context, liquidator, user common.Address) (ledger.ClosedPosition, error)
}

// Keeper periodically sweeps open positions and liquidates any that have
// fallen under the margin requirement. Positions above margin are left
// alone; the sweep is safe to run as often as desired.
type Keeper struct {
	ledger   Ledger
	identity common.Address
	interval time.Duration
	log      *zap.Logger
}

func New(l Ledger, identity common.Address, interval time.Duration, log *zap.Logger) *Keeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{ledger: l, identity: identity, interval: interval, log: log}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.log.Info("keeper started",
		zap.String("identity", k.identity.Hex()),
		zap.Duration("interval", k.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep attempts to liquidate every open position once. Returns the number
// of positions liquidated.
func (k *Keeper) Sweep(ctx context.Context) int {
	liquidated := 0
	for _, pos := range k.ledger.OpenPositions() {
		record, err := k.ledger.LiquidatePosition(ctx, k.identity, pos.Owner)
		switch {
		case err == nil:
			liquidated++
			k.log.Info("position liquidated",
				zap.String("user", record.Owner.Hex()),
				zap.String("settled_value", record.SettledValue.String()),
				zap.String("close_price", record.ClosePrice.String()))
		case errors.Is(err, ledger.ErrAboveMargin):
			// Healthy position, nothing to do.
		case errors.Is(err, ledger.ErrPositionNotOpen):
			// Closed between the scan and the attempt.
		case errors.Is(err, ledger.ErrInvalidPrice):
			k.log.Warn("sweep skipped, no oracle price yet")
			return liquidated
		default:
			k.log.Error("liquidation attempt failed",
				zap.String("user", pos.Owner.Hex()),
				zap.Error(err))
		}
	}
	return liquidated
}
