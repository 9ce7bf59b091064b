package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/realartists/shipsync/datastore"
	"github.com/realartists/shipsync/internal/ticker"
	"github.com/realartists/shipsync/models"
)

var cmdSync = &cli.Command{
	Name:  "sync",
	Usage: "connect to the sync server and keep the local replica current",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-bind",
			Usage:   "address to serve prometheus metrics on, empty disables",
			EnvVars: []string{"SHIPSYNC_METRICS_BIND"},
		},
		&cli.DurationFlag{
			Name:  "status-interval",
			Usage: "how often to log sync status",
			Value: 30 * time.Second,
		},
	},
	Action: runSync,
}

func runSync(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)

	if cctx.String("token") == "" {
		return fmt.Errorf("an API token is required, set --token or SHIPSYNC_TOKEN")
	}

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	ds := newDataStore(cctx)

	sub, err := ds.Subscribe(nil)
	if err != nil {
		return err
	}
	defer ds.Unsubscribe(sub)

	if err := ds.Activate(ctx); err != nil {
		return err
	}
	defer ds.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	eg, egCtx := errgroup.WithContext(ctx)

	if bind := cctx.String("metrics-bind"); bind != "" {
		srv := &http.Server{Addr: bind, Handler: promhttp.Handler()}
		eg.Go(func() error {
			logger.Info("serving metrics", "addr", bind)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		ticker.BestEffort(egCtx, cctx.Duration("status-interval"), logger, func(ctx context.Context) error {
			pending, err := ds.PendingMutations(ctx)
			if err != nil {
				return err
			}
			logger.Info("sync status",
				"offline", ds.Offline(),
				"progress", ds.SyncProgress(),
				"pending", len(pending))
			return nil
		})
		return nil
	})

	eg.Go(func() error {
		logEvents(egCtx, logger, sub)
		return nil
	})

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case <-egCtx.Done():
	}

	cancel()
	if err := eg.Wait(); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func logEvents(ctx context.Context, logger *slog.Logger, sub *datastore.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case datastore.EvtOutboxSaveError:
				logger.Warn("mutation rejected", "placeholder", evt.Placeholder, "error", evt.Err)
			case datastore.EvtOutboxResolved:
				logger.Info("mutation resolved",
					"kind", evt.EntityKind,
					"placeholder", evt.Placeholder,
					"assigned", evt.Assigned)
			case datastore.EvtNeedsSoftwareUpdate:
				logger.Error("server requires a newer client, staying offline")
			case datastore.EvtRateLimitChanged:
				logger.Warn("rate limited", "until", evt.Until)
			case datastore.EvtDidPurge:
				logger.Info("server purged local data, resyncing from scratch")
			default:
				logger.Debug("event", "kind", evt.Kind, "issues", len(evt.IssueIDs))
			}
		}
	}
}

func newDataStore(cctx *cli.Context) *datastore.DataStore {
	return datastore.New(datastore.Config{
		DatabaseURL: cctx.String("db"),
		ServerURL:   cctx.String("server"),
		Token:       cctx.String("token"),
		AccountID:   models.RecordID(cctx.Int64("account")),
	})
}
