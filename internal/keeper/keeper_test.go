package keeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	"perp-ledger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	keeperAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	healthyAddr = common.HexToAddress("0x4444444444444444444444444444444444444444")
	drownedAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

type fakeLedger struct {
	open        []*ledger.Position
	eligible    map[common.Address]bool
	attempts    []common.Address
	liquidators []common.Address
	priceSet    bool
}

func (f *fakeLedger) OpenPositions() []*ledger.Position { return f.open }

func (f *fakeLedger) LiquidatePosition(_ context.Context, liquidator, user common.Address) (ledger.ClosedPosition, error) {
	if !f.priceSet {
		return ledger.ClosedPosition{}, ledger.ErrInvalidPrice
	}
	f.attempts = append(f.attempts, user)
	f.liquidators = append(f.liquidators, liquidator)
	if !f.eligible[user] {
		return ledger.ClosedPosition{}, ledger.ErrAboveMargin
	}
	for i, pos := range f.open {
		if pos.Owner == user {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
	return ledger.ClosedPosition{
		Owner:        user,
		Closer:       liquidator,
		Reason:       ledger.ReasonLiquidation,
		SettledValue: big.NewInt(20),
		ClosePrice:   big.NewInt(92),
	}, nil
}

func position(owner common.Address) *ledger.Position {
	return &ledger.Position{
		Owner:      owner,
		Collateral: big.NewInt(999000),
		Direction:  ledger.Long,
		EntryPrice: big.NewInt(100),
		Notional:   big.NewInt(9990000),
		OpenedAt:   time.Unix(1700000000, 0),
	}
}

func TestSweepLiquidatesOnlyEligible(t *testing.T) {
	fake := &fakeLedger{
		open:     []*ledger.Position{position(healthyAddr), position(drownedAddr)},
		eligible: map[common.Address]bool{drownedAddr: true},
		priceSet: true,
	}
	k := New(fake, keeperAddr, time.Second, zap.NewNop())

	got := k.Sweep(context.Background())
	if got != 1 {
		t.Fatalf("liquidated = %d, want 1", got)
	}
	if len(fake.attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(fake.attempts))
	}
	for _, liq := range fake.liquidators {
		if liq != keeperAddr {
			t.Fatalf("liquidator = %s, want keeper %s", liq.Hex(), keeperAddr.Hex())
		}
	}
	if len(fake.open) != 1 || fake.open[0].Owner != healthyAddr {
		t.Fatalf("healthy position should survive the sweep")
	}
}

func TestSweepWithoutPriceDoesNothing(t *testing.T) {
	fake := &fakeLedger{
		open:     []*ledger.Position{position(healthyAddr)},
		eligible: map[common.Address]bool{healthyAddr: true},
	}
	k := New(fake, keeperAddr, time.Second, zap.NewNop())

	if got := k.Sweep(context.Background()); got != 0 {
		t.Fatalf("liquidated = %d, want 0", got)
	}
	if len(fake.attempts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(fake.attempts))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fake := &fakeLedger{priceSet: true}
	k := New(fake, keeperAddr, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
