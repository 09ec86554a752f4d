package state

import (
	"context"
	"encoding/json"
	"strings"

	"perp-ledger/internal/ledger"
)

const LedgerSnapshotKey = "ledger:snapshot"

// LoadLedgerSnapshot reads the persisted market-and-positions snapshot, if
// one exists.
func LoadLedgerSnapshot(ctx context.Context, store Store) (ledger.Snapshot, bool, error) {
	if store == nil {
		return ledger.Snapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, LedgerSnapshotKey)
	if err != nil {
		return ledger.Snapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return ledger.Snapshot{}, false, nil
	}
	var snapshot ledger.Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return ledger.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveLedgerSnapshot(ctx context.Context, store Store, snapshot ledger.Snapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerSnapshotKey, string(payload))
}
