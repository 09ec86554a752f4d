package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"perp-ledger/internal/alerts"
	"perp-ledger/internal/archive"
	"perp-ledger/internal/config"
	"perp-ledger/internal/custody"
	"perp-ledger/internal/events"
	"perp-ledger/internal/gateway"
	"perp-ledger/internal/keeper"
	"perp-ledger/internal/ledger"
	"perp-ledger/internal/metrics"
	"perp-ledger/internal/oracle"
	"perp-ledger/internal/state"
	"perp-ledger/internal/state/sqlite"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// App wires the position ledger to its transports and stores and runs them
// until the context is cancelled.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	vault   *custody.Vault
	ledger  *ledger.PositionLedger
	service *Service
	feed    *oracle.Feed
	poller  *oracle.Poller
	keeper  *keeper.Keeper
	archive *archive.Writer
	prom    *metrics.Prometheus
	server  *http.Server
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	vault := custody.NewVault()
	for account, amount := range cfg.Custody.VaultBalances() {
		vault.Credit(account, amount)
	}

	prom := metrics.NewPrometheus()
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	sink := events.Fanout{
		events.NewLogSink(log),
		alerts.NewLiquidationNotifier(telegram, log),
	}

	contract := common.HexToAddress(cfg.Market.ContractAccount)
	led := ledger.New(vault, sink, log, contract)
	if err := restoreOrInitialize(led, store, cfg, log); err != nil {
		_ = store.Close()
		return nil, err
	}

	arc, err := archive.New(cfg.Archive, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	service := NewService(led, store, store, arc, prom.Metrics, log, cfg.Market.Asset)

	var feed *oracle.Feed
	if cfg.Feed.URL != "" {
		feed = oracle.NewFeed(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval,
			cfg.Market.Asset, service, prom.Metrics, log)
	}
	var poller *oracle.Poller
	if cfg.Feed.PollURL != "" {
		poller = oracle.NewPoller(cfg.Feed.PollURL, cfg.Feed.PollInterval, cfg.Feed.PollTimeout,
			cfg.Market.Asset, service, prom.Metrics, log)
	}

	var kpr *keeper.Keeper
	if cfg.Keeper.Enabled {
		kpr = keeper.New(service, common.HexToAddress(cfg.Keeper.Address), cfg.Keeper.Interval, log)
	}

	mux := http.NewServeMux()
	gateway.NewServer(service, store, cfg.Market.Asset, log).Register(mux)
	mux.Handle("GET /metrics", prom.Handler())
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		vault:   vault,
		ledger:  led,
		service: service,
		feed:    feed,
		poller:  poller,
		keeper:  kpr,
		archive: arc,
		prom:    prom,
		server:  server,
	}, nil
}

// restoreOrInitialize loads the persisted ledger snapshot if one exists,
// otherwise initializes a fresh market from config.
func restoreOrInitialize(led *ledger.PositionLedger, store state.Store, cfg *config.Config, log *zap.Logger) error {
	snap, ok, err := state.LoadLedgerSnapshot(context.Background(), store)
	if err != nil {
		return err
	}
	if ok {
		if err := led.Restore(snap); err != nil {
			return err
		}
		log.Info("ledger restored from snapshot",
			zap.String("asset", snap.Asset),
			zap.Int("open_positions", len(snap.Positions)))
		return nil
	}
	if err := led.Initialize(
		cfg.Market.Asset,
		cfg.Market.Leverage,
		common.HexToAddress(cfg.Market.CollateralAsset),
		cfg.Market.AuthorizedSourceAddresses(),
	); err != nil {
		return err
	}
	log.Info("ledger initialized",
		zap.String("asset", cfg.Market.Asset),
		zap.Int64("leverage", cfg.Market.Leverage))
	return nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	if a.archive != nil {
		a.archive.Start(ctx)
		defer func() {
			if err := a.archive.Close(); err != nil {
				a.log.Warn("archive close failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 4)

	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	if a.poller != nil {
		go func() {
			if err := a.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	if a.keeper != nil {
		go func() {
			if err := a.keeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	go func() {
		a.log.Info("gateway listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil {
			a.log.Error("component failed", zap.Error(err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("server shutdown failed", zap.Error(err))
	}
	return runErr
}
