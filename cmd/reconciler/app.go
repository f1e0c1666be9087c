package main

import (
	"context"
	"fmt"

	"github.com/warp/revenue-reconciler/config"
	"github.com/warp/revenue-reconciler/recon"
	"github.com/warp/revenue-reconciler/store/sqlite"
)

// app is what every command needs: the store and an engine over it.
type app struct {
	store  *sqlite.Store
	engine *recon.Engine
	close  func()
}

func openApp(ctx context.Context) (*app, error) {
	engineCfg, err := appConfig.Matching.Engine()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(appConfig.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	locker, closeLocker, err := config.NewLocker(ctx, appConfig.Lock, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var opts []recon.ExecutorOption
	if locker != nil {
		opts = append(opts, recon.WithLocker(locker))
	}

	return &app{
		store:  store,
		engine: recon.NewEngine(store, engineCfg, logger, opts...),
		close: func() {
			if err := closeLocker(); err != nil {
				logger.WithError(err).Warn("failed to close locker")
			}
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("failed to close database")
			}
		},
	}, nil
}
