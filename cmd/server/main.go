// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the modelmux server.
// The server accepts OpenAI-compatible chat completion requests, scores
// each request's complexity, and dispatches it to the configured model
// tier with credential rotation and fallback across providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/api"
	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/buildinfo"
	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/dispatch"
	"github.com/traylinx/modelmux/internal/events"
	"github.com/traylinx/modelmux/internal/logging"
	"github.com/traylinx/modelmux/internal/registry"
	"github.com/traylinx/modelmux/internal/router"
	"github.com/traylinx/modelmux/internal/store"
	"github.com/traylinx/modelmux/internal/transport"
	"github.com/traylinx/modelmux/internal/usage"
	"github.com/traylinx/modelmux/internal/util"
)

func init() {
	logging.Setup()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run() error {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelmux %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return nil
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.SetDebug(cfg.Debug)

	box, err := util.NewStateBox()
	if err != nil {
		return err
	}
	if err = logging.ConfigureOutput(cfg.LoggingToFile, box.LogsDir()); err != nil {
		log.Warnf("falling back to stdout logging: %v", err)
	}
	log.Infof("modelmux %s starting, state dir %s", buildinfo.Version, box.RootPath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persist, closer, err := openStore(ctx, cfg, box)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() {
			if errClose := closer(); errClose != nil {
				log.Errorf("store close failed: %v", errClose)
			}
		}()
	}

	profiles := authstore.NewStore(persist, cfg.Cooldown)
	if err = profiles.Load(ctx); err != nil {
		return err
	}

	reg := cfg.BuildRegistry()
	scorer, clf, selector, err := buildPipeline(cfg, reg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Shutdown()
	recorder := usage.NewRecorder(cfg.UsageStatisticsEnabled)

	invoker := transport.NewHTTPInvoker(cfg, profiles.UpdateToken)
	dispatcher := dispatch.New(dispatchOptions(cfg, scorer, clf, selector, profiles, invoker, recorder, bus))

	watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		applyReload(next, reg, profiles, dispatcher, recorder, bus)
	})
	if err != nil {
		return err
	}
	if err = watcher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if errStop := watcher.Stop(); errStop != nil {
			log.Errorf("config watcher stop failed: %v", errStop)
		}
	}()

	server := api.NewServer(api.Options{
		Config:     cfg,
		Dispatcher: dispatcher,
		Profiles:   profiles,
		Registry:   reg,
		Recorder:   recorder,
		StateBox:   box,
	})
	return server.Run(ctx)
}

// openStore builds the configured persistence backend. The returned closer
// is nil for backends without resources to release.
func openStore(ctx context.Context, cfg *config.Config, box *util.StateBox) (authstore.Persistence, func() error, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresStoreConfig{
			DSN:   cfg.Store.DSN,
			Table: cfg.Store.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "file":
		return store.NewFileStore(box), nil, nil
	default:
		path := cfg.Store.Path
		if path == "" {
			path = box.StorePath()
		}
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
}

func buildPipeline(cfg *config.Config, reg *registry.Registry) (*classifier.Scorer, *classifier.Classifier, *router.Selector, error) {
	scorer, err := classifier.NewScorer(cfg.Dimensions)
	if err != nil {
		return nil, nil, nil, err
	}
	clf, err := classifier.NewClassifier(cfg.Routing.Weights, cfg.TierBoundaryMap(), nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return scorer, clf, router.NewSelector(cfg.Routing, reg), nil
}

func dispatchOptions(cfg *config.Config, scorer *classifier.Scorer, clf *classifier.Classifier, selector *router.Selector, profiles *authstore.Store, invoker transport.Invoker, recorder *usage.Recorder, bus *events.Bus) dispatch.Options {
	return dispatch.Options{
		Scorer:         scorer,
		Classifier:     clf,
		Selector:       selector,
		Profiles:       profiles,
		Invoker:        invoker,
		Recorder:       recorder,
		Bus:            bus,
		RequestRetry:   cfg.RequestRetry,
		AttemptTimeout: cfg.AttemptTimeout(),
		Interleaving:   cfg.Routing.Interleaving,
	}
}

// applyReload swaps the routing pipeline to a freshly validated config.
// The profile store and its persistence backend deliberately survive
// reloads; cooldown state is not reset by editing routing rules.
func applyReload(next *config.Config, reg *registry.Registry, profiles *authstore.Store, dispatcher *dispatch.Dispatcher, recorder *usage.Recorder, bus *events.Bus) {
	nextReg := next.BuildRegistry()
	scorer, clf, selector, err := buildPipeline(next, nextReg)
	if err != nil {
		log.Errorf("config reload rejected: %v", err)
		return
	}
	reg.ReplaceAll(nextReg)
	// Selector and invoker must see the live registry, not the throwaway
	// one used for validation.
	selector = router.NewSelector(next.Routing, reg)
	invoker := transport.NewHTTPInvoker(next, profiles.UpdateToken)
	dispatcher.Reload(dispatchOptions(next, scorer, clf, selector, profiles, invoker, recorder, bus))
	logging.SetDebug(next.Debug)
	log.Info("routing pipeline reloaded")
}
