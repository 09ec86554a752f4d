package app

import (
	"context"
	"errors"
	"math/big"
	"time"

	"perp-ledger/internal/archive"
	"perp-ledger/internal/ledger"
	"perp-ledger/internal/metrics"
	"perp-ledger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Service wraps the position ledger with persistence, archiving, and
// metrics. Every mutating path in ledgerd goes through it: the gateway,
// the keeper, and the oracle feed. The ledger itself stays pure; the
// service owns the side effects that follow a successful operation.
type Service struct {
	ledger  *ledger.PositionLedger
	store   state.Store
	history state.History
	archive *archive.Writer
	metrics *metrics.Metrics
	log     *zap.Logger
	asset   string
}

func NewService(l *ledger.PositionLedger, store state.Store, history state.History, arc *archive.Writer, m *metrics.Metrics, log *zap.Logger, asset string) *Service {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:  l,
		store:   store,
		history: history,
		archive: arc,
		metrics: m,
		log:     log,
		asset:   asset,
	}
}

func (s *Service) OpenPosition(ctx context.Context, trader common.Address, collateral *big.Int, direction ledger.Direction) (*ledger.Position, error) {
	pos, err := s.ledger.OpenPosition(ctx, trader, collateral, direction)
	if err != nil {
		s.countRejection(err)
		return nil, err
	}
	s.metrics.PositionsOpened.Inc()
	s.persistSnapshot(ctx)
	s.refreshGauges()
	return pos, nil
}

func (s *Service) ClosePosition(ctx context.Context, trader common.Address) (ledger.ClosedPosition, error) {
	record, err := s.ledger.ClosePosition(ctx, trader)
	if err != nil {
		s.countRejection(err)
		return ledger.ClosedPosition{}, err
	}
	s.metrics.PositionsClosed.Inc()
	s.recordClosed(ctx, record)
	s.persistSnapshot(ctx)
	s.refreshGauges()
	return record, nil
}

func (s *Service) LiquidatePosition(ctx context.Context, liquidator, user common.Address) (ledger.ClosedPosition, error) {
	record, err := s.ledger.LiquidatePosition(ctx, liquidator, user)
	if err != nil {
		s.countRejection(err)
		return ledger.ClosedPosition{}, err
	}
	s.metrics.Liquidations.Inc()
	s.recordClosed(ctx, record)
	s.persistSnapshot(ctx)
	s.refreshGauges()
	return record, nil
}

func (s *Service) UpdatePrice(source common.Address, price *big.Int) error {
	if err := s.ledger.UpdatePrice(source, price); err != nil {
		return err
	}
	if s.archive != nil {
		s.archive.EnqueueTick(archive.PriceTick{
			Time:  time.Now().UTC(),
			Asset: s.asset,
			Price: new(big.Int).Set(price),
		})
	}
	s.persistSnapshot(context.Background())
	return nil
}

func (s *Service) Value(user common.Address) (*big.Int, error) {
	return s.ledger.Value(user)
}

func (s *Service) MarketState() (ledger.Market, bool) {
	return s.ledger.MarketState()
}

func (s *Service) OpenPositions() []*ledger.Position {
	return s.ledger.OpenPositions()
}

func (s *Service) countRejection(err error) {
	switch {
	case errors.Is(err, ledger.ErrPositionOpen),
		errors.Is(err, ledger.ErrPositionNotOpen),
		errors.Is(err, ledger.ErrZeroValue),
		errors.Is(err, ledger.ErrAboveMargin),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrUnauthorized):
		s.metrics.OpsRejected.Inc()
	}
}

// recordClosed persists a settled position to local history and forwards it
// to the archive. Both are best effort; the ledger mutation already
// happened and custody already moved.
func (s *Service) recordClosed(ctx context.Context, record ledger.ClosedPosition) {
	if s.history != nil {
		if err := s.history.AppendClosed(ctx, record); err != nil {
			s.log.Error("history append failed",
				zap.String("owner", record.Owner.Hex()),
				zap.Error(err))
		}
	}
	if s.archive != nil {
		s.archive.EnqueueClosed(record)
	}
}

func (s *Service) persistSnapshot(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap, ok := s.ledger.Snapshot()
	if !ok {
		return
	}
	if err := state.SaveLedgerSnapshot(ctx, s.store, snap); err != nil {
		s.log.Error("snapshot save failed", zap.Error(err))
	}
}

func (s *Service) refreshGauges() {
	market, ok := s.ledger.MarketState()
	if !ok {
		return
	}
	s.metrics.LongExposure.Set(bigToFloat(market.LongExposure))
	s.metrics.ShortExposure.Set(bigToFloat(market.ShortExposure))
	s.metrics.OpenPositions.Set(float64(len(s.ledger.OpenPositions())))
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
