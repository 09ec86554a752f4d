package app

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"perp-ledger/internal/custody"
	"perp-ledger/internal/events"
	"perp-ledger/internal/ledger"
	"perp-ledger/internal/metrics"
	"perp-ledger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	oracleAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	traderAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	keeperAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	pusdAddr     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type memStore struct {
	kv      map[string]string
	history []ledger.ClosedPosition
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string]string)}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.kv[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.kv, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) AppendClosed(_ context.Context, record ledger.ClosedPosition) error {
	m.history = append(m.history, record)
	return nil
}

func (m *memStore) ListClosed(_ context.Context, limit int) ([]ledger.ClosedPosition, error) {
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	return m.history[len(m.history)-limit:], nil
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

type recordingGauge struct{ v float64 }

func (g *recordingGauge) Set(value float64) { g.v = value }

type testMetrics struct {
	m        *metrics.Metrics
	opened   *countingCounter
	closed   *countingCounter
	liqs     *countingCounter
	rejected *countingCounter
	longExp  *recordingGauge
	shortExp *recordingGauge
	openPos  *recordingGauge
}

func newTestMetrics() *testMetrics {
	t := &testMetrics{
		opened:   &countingCounter{},
		closed:   &countingCounter{},
		liqs:     &countingCounter{},
		rejected: &countingCounter{},
		longExp:  &recordingGauge{},
		shortExp: &recordingGauge{},
		openPos:  &recordingGauge{},
	}
	base := metrics.NewNoop()
	base.PositionsOpened = t.opened
	base.PositionsClosed = t.closed
	base.Liquidations = t.liqs
	base.OpsRejected = t.rejected
	base.LongExposure = t.longExp
	base.ShortExposure = t.shortExp
	base.OpenPositions = t.openPos
	t.m = base
	return t
}

func newTestService(t *testing.T) (*Service, *memStore, *custody.Vault, *testMetrics) {
	t.Helper()
	vault := custody.NewVault()
	vault.Credit(traderAddr, big.NewInt(10_000_000))

	led := ledger.New(vault, events.NopSink{}, zap.NewNop(), contractAddr)
	if err := led.Initialize("BTC", 10, pusdAddr, []common.Address{oracleAddr}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := led.UpdatePrice(oracleAddr, big.NewInt(100)); err != nil {
		t.Fatalf("update price: %v", err)
	}

	store := newMemStore()
	tm := newTestMetrics()
	svc := NewService(led, store, store, nil, tm.m, zap.NewNop(), "BTC")
	return svc, store, vault, tm
}

func TestServicePersistsSnapshotAfterOpen(t *testing.T) {
	svc, store, _, tm := newTestService(t)

	pos, err := svc.OpenPosition(context.Background(), traderAddr, big.NewInt(1_000_000), ledger.Long)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Notional.Cmp(big.NewInt(9_990_000)) != 0 {
		t.Fatalf("notional = %s, want 9990000", pos.Notional)
	}
	if tm.opened.n != 1 {
		t.Fatalf("opened counter = %d, want 1", tm.opened.n)
	}
	if _, ok := store.kv[state.LedgerSnapshotKey]; !ok {
		t.Fatal("snapshot not persisted after open")
	}
	if tm.openPos.v != 1 {
		t.Fatalf("open positions gauge = %v, want 1", tm.openPos.v)
	}
	if tm.longExp.v != 9_990_000 {
		t.Fatalf("long exposure gauge = %v, want 9990000", tm.longExp.v)
	}
}

func TestServiceRecordsHistoryOnClose(t *testing.T) {
	svc, store, _, tm := newTestService(t)

	if _, err := svc.OpenPosition(context.Background(), traderAddr, big.NewInt(1_000_000), ledger.Long); err != nil {
		t.Fatalf("open: %v", err)
	}
	record, err := svc.ClosePosition(context.Background(), traderAddr)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if record.Reason != ledger.ReasonVoluntary {
		t.Fatalf("reason = %s, want %s", record.Reason, ledger.ReasonVoluntary)
	}
	if tm.closed.n != 1 {
		t.Fatalf("closed counter = %d, want 1", tm.closed.n)
	}
	if len(store.history) != 1 {
		t.Fatalf("history length = %d, want 1", len(store.history))
	}
	if store.history[0].Owner != traderAddr {
		t.Fatalf("history owner = %s, want %s", store.history[0].Owner.Hex(), traderAddr.Hex())
	}
	if tm.openPos.v != 0 {
		t.Fatalf("open positions gauge = %v, want 0", tm.openPos.v)
	}
}

func TestServiceCountsLiquidation(t *testing.T) {
	svc, store, _, tm := newTestService(t)

	if _, err := svc.OpenPosition(context.Background(), traderAddr, big.NewInt(1_000_000), ledger.Long); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := svc.UpdatePrice(oracleAddr, big.NewInt(92)); err != nil {
		t.Fatalf("update price: %v", err)
	}
	record, err := svc.LiquidatePosition(context.Background(), keeperAddr, traderAddr)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if record.Reason != ledger.ReasonLiquidation {
		t.Fatalf("reason = %s, want %s", record.Reason, ledger.ReasonLiquidation)
	}
	if tm.liqs.n != 1 {
		t.Fatalf("liquidations counter = %d, want 1", tm.liqs.n)
	}
	if len(store.history) != 1 {
		t.Fatalf("history length = %d, want 1", len(store.history))
	}
}

func TestServiceCountsRejections(t *testing.T) {
	svc, _, _, tm := newTestService(t)

	_, err := svc.ClosePosition(context.Background(), traderAddr)
	if !errors.Is(err, ledger.ErrPositionNotOpen) {
		t.Fatalf("err = %v, want ErrPositionNotOpen", err)
	}
	if tm.rejected.n != 1 {
		t.Fatalf("rejected counter = %d, want 1", tm.rejected.n)
	}

	if _, err := svc.OpenPosition(context.Background(), traderAddr, big.NewInt(1_000_000), ledger.Long); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = svc.LiquidatePosition(context.Background(), keeperAddr, traderAddr)
	if !errors.Is(err, ledger.ErrAboveMargin) {
		t.Fatalf("err = %v, want ErrAboveMargin", err)
	}
	if tm.rejected.n != 2 {
		t.Fatalf("rejected counter = %d, want 2", tm.rejected.n)
	}
}

func TestServiceSnapshotRoundTripRestoresPositions(t *testing.T) {
	svc, store, vault, _ := newTestService(t)

	if _, err := svc.OpenPosition(context.Background(), traderAddr, big.NewInt(1_000_000), ledger.Long); err != nil {
		t.Fatalf("open: %v", err)
	}

	snap, ok, err := state.LoadLedgerSnapshot(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}

	restored := ledger.New(vault, events.NopSink{}, zap.NewNop(), contractAddr)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	pos, ok := restored.PositionOf(traderAddr)
	if !ok {
		t.Fatal("restored ledger lost the open position")
	}
	if pos.Collateral.Cmp(big.NewInt(999_000)) != 0 {
		t.Fatalf("restored collateral = %s, want 999000", pos.Collateral)
	}
}
