package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"perp-ledger/internal/config"
	"perp-ledger/internal/state"
	"perp-ledger/internal/state/sqlite"
)

const defaultStatePath = "data/perp-ledger.db"

// histdump prints the persisted ledger snapshot and closed-position history
// from the local sqlite store. Safe to run while ledgerd is up.
func main() {
	configPath := flag.String("config", "", "optional config path for the sqlite location")
	statePath := flag.String("state", "", "sqlite path, overrides config")
	limit := flag.Int("limit", 50, "max history rows to print, 0 for all")
	asJSON := flag.Bool("json", false, "print raw JSON instead of a table")
	flag.Parse()

	path := defaultStatePath
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.State.SQLitePath != "" {
			path = cfg.State.SQLitePath
		}
	}
	if *statePath != "" {
		path = *statePath
	}
	if _, err := os.Stat(path); err != nil {
		fatal(fmt.Errorf("state db not found at %s: %w", path, err))
	}

	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	snap, ok, err := state.LoadLedgerSnapshot(ctx, store)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Println("no ledger snapshot stored")
	} else if *asJSON {
		pretty, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Printf("snapshot:\n%s\n", string(pretty))
	} else {
		fmt.Printf("market: asset=%s leverage=%d price=%s long_exposure=%s short_exposure=%s open_positions=%d\n",
			snap.Asset, snap.Leverage, snap.Price, snap.LongExposure, snap.ShortExposure, len(snap.Positions))
		for _, pos := range snap.Positions {
			fmt.Printf("  open: owner=%s direction=%s collateral=%s entry_price=%s notional=%s\n",
				pos.Owner.Hex(), pos.Direction, pos.Collateral, pos.EntryPrice, pos.Notional)
		}
	}

	records, err := store.ListClosed(ctx, *limit)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("closed positions: %d\n", len(records))
	if *asJSON {
		pretty, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(pretty))
		return
	}
	for _, record := range records {
		fmt.Printf("  %s owner=%s reason=%s direction=%s entry=%s close=%s settled=%s closer=%s\n",
			record.ClosedAt.UTC().Format(time.RFC3339),
			record.Owner.Hex(), record.Reason, record.Direction,
			record.EntryPrice, record.ClosePrice, record.SettledValue,
			record.Closer.Hex())
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
