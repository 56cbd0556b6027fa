package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/engine"
	"github.com/animus-labs/cloudpipe/internal/frame/local"
	"github.com/animus-labs/cloudpipe/internal/platform/auditlog"
	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
	"github.com/animus-labs/cloudpipe/internal/platform/metrics/datadog"
	"github.com/animus-labs/cloudpipe/internal/platform/metrics/prompush"
	"github.com/animus-labs/cloudpipe/internal/platform/postgres"
	"github.com/animus-labs/cloudpipe/internal/provider"
	"github.com/animus-labs/cloudpipe/internal/report"
	"github.com/animus-labs/cloudpipe/internal/runs"
)

// app is the process-wide wiring shared by every subcommand.
type app struct {
	logger  *slog.Logger
	runs    *runs.Service
	db      *sql.DB
	audit   auditlog.Recorder
	cfg     provider.Config
	closers []func() error
}

type appOptions struct {
	// persist opens the run-record database when DATABASE_URL is set.
	persist bool
}

func newApp(ctx context.Context, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{logger: logger, audit: auditlog.Discard{}}

	providerCfg, err := provider.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("provider config: %w", err)
	}
	a.cfg = providerCfg
	reg := connector.NewRegistry()
	if err := provider.Register(reg, providerCfg); err != nil {
		return nil, fmt.Errorf("register connectors: %w", err)
	}

	engineCfg, err := engine.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if err := engineCfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	if err := a.setupMetrics(metrics.ConfigFromEnv()); err != nil {
		return nil, err
	}

	var store report.Store = report.NewMemoryStore()
	if opts.persist {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("database config: %w", err)
		}
		if dbCfg.Enabled() {
			db, err := postgres.Open(ctx, dbCfg)
			if err != nil {
				a.close()
				return nil, fmt.Errorf("database unavailable: %w", err)
			}
			a.db = db
			a.closers = append(a.closers, db.Close)
			pg := report.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				a.close()
				return nil, err
			}
			if _, err := db.ExecContext(ctx, auditlog.Schema); err != nil {
				a.close()
				return nil, fmt.Errorf("migrate audit log: %w", err)
			}
			store = pg
			a.audit = auditlog.DBRecorder{DB: db}
			logger.Info("run records persisted to postgres")
		}
	}

	adapter := engine.NewAdapter(local.New(true), engineCfg, logger)
	a.runs = runs.New(reg, adapter, report.NewReporter(store, logger), logger)
	return a, nil
}

func (a *app) setupMetrics(cfg metrics.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch cfg.Backend {
	case metrics.BackendPrometheus:
		b, err := prompush.NewBackend(cfg.Job, cfg.PushgatewayURL)
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	case metrics.BackendDatadog:
		b, err := datadog.NewBackend(datadog.Config{Addr: cfg.DogStatsDAddr, Namespace: cfg.Namespace, GlobalTags: cfg.Tags})
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
		a.closers = append(a.closers, b.Close)
	default:
		return nil
	}
	a.logger.Info("metrics enabled", "backend", cfg.Backend)
	return nil
}

// close flushes metrics and releases resources in reverse order.
func (a *app) close() error {
	errs := []error{metrics.Flush()}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	metrics.SetBackend(nil)
	return errors.Join(errs...)
}
