package state

import (
	"context"
	"math/big"
	"testing"
	"time"

	"perp-ledger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

type memStore struct {
	values map[string]string
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestLedgerSnapshotRoundTrip(t *testing.T) {
	store := &memStore{}
	snapshot := ledger.Snapshot{
		Asset:             "pBTC",
		Leverage:          10,
		MarginRequirement: 300,
		Price:             big.NewInt(100),
		CollateralAsset:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		LongExposure:      big.NewInt(9_990_000),
		ShortExposure:     big.NewInt(0),
		AuthorizedSources: []common.Address{common.HexToAddress("0x0000000000000000000000000000000000000001")},
		Positions: []ledger.Position{{
			Owner:      common.HexToAddress("0x0000000000000000000000000000000000000002"),
			Collateral: big.NewInt(999_000),
			Direction:  ledger.Long,
			EntryPrice: big.NewInt(100),
			Notional:   big.NewInt(9_990_000),
			OpenedAt:   time.UnixMilli(1_700_000_000_000).UTC(),
		}},
		UpdatedAt: time.UnixMilli(1_700_000_100_000).UTC(),
	}
	if err := SaveLedgerSnapshot(context.Background(), store, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := LoadLedgerSnapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot present")
	}
	if loaded.Asset != "pBTC" || loaded.Leverage != 10 {
		t.Fatalf("unexpected market fields: %+v", loaded)
	}
	if loaded.Price.Cmp(snapshot.Price) != 0 || loaded.LongExposure.Cmp(snapshot.LongExposure) != 0 {
		t.Fatalf("amounts did not round trip")
	}
	if len(loaded.Positions) != 1 || loaded.Positions[0].Collateral.Cmp(big.NewInt(999_000)) != 0 {
		t.Fatalf("positions did not round trip: %+v", loaded.Positions)
	}
}

func TestLoadLedgerSnapshotEmpty(t *testing.T) {
	if _, ok, err := LoadLedgerSnapshot(context.Background(), &memStore{}); err != nil || ok {
		t.Fatalf("expected empty store miss, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := LoadLedgerSnapshot(context.Background(), nil); err != nil || ok {
		t.Fatalf("expected nil store miss, got ok=%v err=%v", ok, err)
	}
}
