package ledger

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is a serializable copy of the market record and every open
// position. Closed-position history is archived separately and is not part
// of the snapshot.
type Snapshot struct {
	Asset             string           `json:"asset"`
	Leverage          int64            `json:"leverage"`
	MarginRequirement int64            `json:"margin_requirement"`
	Price             *big.Int         `json:"price"`
	CollateralAsset   common.Address   `json:"collateral_asset"`
	LongExposure      *big.Int         `json:"long_exposure"`
	ShortExposure     *big.Int         `json:"short_exposure"`
	AuthorizedSources []common.Address `json:"authorized_sources"`
	Positions         []Position       `json:"positions"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (l *PositionLedger) Snapshot() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return Snapshot{}, false
	}
	snap := Snapshot{
		Asset:             l.market.Asset,
		Leverage:          l.market.Leverage,
		MarginRequirement: l.market.MarginRequirement,
		Price:             new(big.Int).Set(l.market.Price),
		CollateralAsset:   l.market.CollateralAsset,
		LongExposure:      new(big.Int).Set(l.market.LongExposure),
		ShortExposure:     new(big.Int).Set(l.market.ShortExposure),
		UpdatedAt:         l.now(),
	}
	for src := range l.sources {
		snap.AuthorizedSources = append(snap.AuthorizedSources, src)
	}
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, *pos.clone())
	}
	return snap, true
}

// Restore rebuilds ledger state from a snapshot taken by a previous run. It
// counts as initialization, so it is rejected once the ledger is live.
func (l *PositionLedger) Restore(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return ErrAlreadyInitialized
	}
	if snap.Leverage <= 0 {
		return errors.New("snapshot leverage must be positive")
	}
	l.market = Market{
		Asset:             snap.Asset,
		Leverage:          snap.Leverage,
		MarginRequirement: snap.MarginRequirement,
		Price:             bigOrZero(snap.Price),
		CollateralAsset:   snap.CollateralAsset,
		LongExposure:      bigOrZero(snap.LongExposure),
		ShortExposure:     bigOrZero(snap.ShortExposure),
	}
	l.sources = make(map[common.Address]struct{}, len(snap.AuthorizedSources))
	for _, src := range snap.AuthorizedSources {
		l.sources[src] = struct{}{}
	}
	l.positions = make(map[common.Address]*Position, len(snap.Positions))
	for i := range snap.Positions {
		pos := snap.Positions[i]
		if pos.Collateral == nil || pos.EntryPrice == nil || pos.Notional == nil {
			return errors.New("snapshot position has missing amounts")
		}
		l.positions[pos.Owner] = pos.clone()
	}
	l.initialized = true
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
