package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/approver"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/observability"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/workflow"
)

// snowflakeEpoch must never change once IDs have been persisted.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// app is everything a command needs to talk to the engine.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *workflow.WorkflowEngine
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if directoryPath != "" {
		cfg.Directory = directoryPath
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	store, err := a.openStorage(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithEventBufferSize(cfg.Engine.EventBufferSize),
	}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, workflow.WithMetrics(observability.InitMetrics(prometheus.DefaultRegisterer)))
	}

	var resolver approver.Resolver
	if cfg.Directory != "" {
		dir, err := approver.LoadDirectory(cfg.Directory)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, workflow.WithDirectory(dir))
		resolver = approver.NewRuleResolver(dir)
	}

	engine, err := workflow.NewWorkflowEngine(generator.NewSnowflake(snowflakeEpoch, 1), store, rules.NewExprEvaluator(), resolver, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine
	a.closers = append(a.closers, func() { _ = engine.Stop(context.Background()) })
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (storage.Storage, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         sc.Redis.Addr,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			PoolSize:     sc.Redis.PoolSize,
			MinIdleConns: sc.Redis.MinIdleConns,
			IdleTimeout:  sc.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil

	case config.DriverPostgres:
		store, err := storage.ConnectPostgres(ctx, sc.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if sc.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil

	case config.DriverMongo:
		store, client, err := storage.ConnectMongo(ctx, sc.Mongo.URI, sc.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		a.logger.Warn("memory storage does not outlive this command")
		return storage.NewMemoryStorage(), nil
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
