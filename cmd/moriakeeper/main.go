package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/core/journal"
	"github.com/halvards/moria-keeper/internal/core/manager"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/internal/core/settingsstore"
	"github.com/halvards/moria-keeper/internal/core/tracker"
	"github.com/halvards/moria-keeper/pkg/notify"
	"github.com/halvards/moria-keeper/pkg/sigutil"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

// App is the fully wired keeper: every component is constructed here,
// once, and handed its dependencies explicitly.
type App struct {
	client     *electrum.Client
	utxos      *tracker.UTXOTracker
	contracts  *tracker.ContractTracker
	aggregator *moria.StateAggregator
	store      *settingsstore.Store
	journal    *journal.Journal
	notifier   *notify.Notifier
	managers   []*manager.PositionManager
	logger     *zap.Logger
}

func main() {
	endpoint := flag.String("endpoint", "fulcrum.example.com:50002", "fulcrum endpoint host:port")
	useTLS := flag.Bool("tls", true, "connect over tls")
	settingsPath := flag.String("settings", "moria-keeper.json", "settings document path")
	journalPath := flag.String("journal", "./moria-journal", "pass journal directory")
	dryRun := flag.Bool("dryrun", false, "force dryrun for every wallet")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	_ = godotenv.Load()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, *endpoint, *useTLS, *settingsPath, *journalPath, *dryRun, logger)
	if err != nil {
		logger.Fatal("error building keeper", zap.Error(err))
	}
	defer app.journal.Close()

	go app.client.Run(ctx)
	go app.utxos.Run(ctx)
	go app.contracts.Run(ctx)
	go app.aggregator.Run(ctx)
	for _, m := range app.managers {
		m := m
		go m.Run(ctx)
		m.Update()
	}
	go app.watchTriggers(ctx)

	logger.Info("INITIALIZED",
		zap.String("endpoint", *endpoint),
		zap.Int("managers", len(app.managers)))

	<-sigutil.Done()
	logger.Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
}

func buildApp(ctx context.Context, endpoint string, useTLS bool,
	settingsPath, journalPath string, forceDryRun bool, logger *zap.Logger) (*App, error) {
	app := &App{logger: logger}

	app.client = electrum.NewClient(electrum.Opts{
		Addr:   endpoint,
		UseTLS: useTLS,
	}, logger.Named("electrum"))
	app.utxos = tracker.NewUTXOTracker(app.client, logger.Named("utxo-tracker"))
	app.contracts = tracker.NewContractTracker(app.client, logger.Named("contract-tracker"))
	app.aggregator = moria.NewStateAggregator(app.client, app.utxos, app.contracts, logger.Named("aggregator"))

	app.store = settingsstore.New(settingsPath, logger.Named("settings"))
	go app.store.Run(ctx)

	var err error
	app.journal, err = journal.Open(journalPath)
	if err != nil {
		return nil, err
	}

	doc, err := app.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	hooks, err := notify.ParseHooks(doc.NotificationHooks)
	if err != nil {
		return nil, err
	}
	app.notifier = notify.NewNotifier(hooks, logger.Named("notify"))

	for _, entry := range doc.ManagerEntries {
		if !doc.IsEnabled(entry.WalletName) {
			logger.Info("skipping disabled wallet", zap.String("wallet", entry.WalletName))
			continue
		}
		m, err := app.buildManager(entry.WalletName, forceDryRun)
		if err != nil {
			return nil, err
		}
		app.managers = append(app.managers, m)
	}
	return app, nil
}

// buildManager wires one wallet's control loop. The signing key comes
// from the environment as WIF_<WALLET_NAME>, never from the settings
// document.
func (app *App) buildManager(walletName string, forceDryRun bool) (*manager.PositionManager, error) {
	w, err := wallet.FromWIF(os.Getenv("WIF_" + strings.ToUpper(walletName)))
	if err != nil {
		return nil, err
	}
	walletEntry := app.utxos.Track(w.LockingBytecode())

	return manager.New(manager.Deps{
		WalletName: walletName,
		Wallet:     w,
		Snapshot: func(ctx context.Context) (moria.State, error) {
			return app.aggregator.Refresh(ctx)
		},
		Coins: func(ctx context.Context) ([]chain.UTXO, error) {
			return app.utxos.UTXOList(ctx, walletEntry)
		},
		TrackersSettled: func() bool {
			_, _, initialized := walletEntry.Snapshot()
			return initialized
		},
		Broadcast: app.client.Broadcast,
		Settings: func(ctx context.Context) (manager.Settings, error) {
			doc, err := app.store.Read(ctx)
			if err != nil {
				return manager.Settings{}, err
			}
			raw, found := doc.SettingsFor(walletName)
			if !found {
				return manager.Settings{}, errors.Errorf("no settings for wallet %s", walletName)
			}
			var settings manager.Settings
			if err := json.Unmarshal(raw, &settings); err != nil {
				return manager.Settings{}, err
			}
			if forceDryRun {
				settings.DryRun = true
			}
			return settings, nil
		},
		Notifier: app.notifier,
		Store:    app.store,
		Journal:  app.journal,
		Logger:   app.logger.Named("manager." + walletName),
	})
}

// watchTriggers fans protocol and wallet events out to every manager.
func (app *App) watchTriggers(ctx context.Context) {
	oracleCh := app.aggregator.OnOracleMessage().Subscribe()
	loansCh := app.aggregator.OnLoansUpdate().Subscribe()
	utxoCh := app.utxos.Updates().Subscribe()
	defer app.aggregator.OnOracleMessage().UnSubscribe(oracleCh)
	defer app.aggregator.OnLoansUpdate().UnSubscribe(loansCh)
	defer app.utxos.Updates().UnSubscribe(utxoCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-oracleCh:
		case <-loansCh:
		case <-utxoCh:
		}
		for _, m := range app.managers {
			m.Update()
		}
	}
}
