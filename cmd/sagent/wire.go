package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/support-agent/sagent"
	"github.com/ZanzyTHEbar/support-agent/sagent/agent"
	"github.com/ZanzyTHEbar/support-agent/sagent/config"
	"github.com/ZanzyTHEbar/support-agent/sagent/db"
	"github.com/ZanzyTHEbar/support-agent/sagent/logx"
)

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	rt      *agent.Runtime
	closers []func() error
}

// wireApp loads configuration, opens whatever backends it names and builds
// the runtime. Policy changes in the config file are applied to the live engine.
func wireApp(ctx context.Context, opts *rootOptions) (_ *app, err error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := logx.Init(logx.LoggerOpts{
		Environment: sagent.ParseEnvironment(cfg.App.Environment),
		Level:       cfg.App.LogLevel,
	})

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var sqlDB *sql.DB
	if agent.NeedsDatabase(cfg) {
		sqlDB, err = db.Open(ctx, db.Options{
			DSN:            cfg.Database.DSN,
			AuthToken:      cfg.Database.AuthToken,
			MaxOpenConns:   cfg.Database.MaxOpenConns,
			MaxIdleConns:   cfg.Database.MaxIdleConns,
			ConnMaxIdleSec: cfg.Database.ConnMaxIdleSec,
			ConnMaxLifeSec: cfg.Database.ConnMaxLifeSec,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)
	}

	var rdb redis.UniversalClient
	if agent.NeedsRedis(cfg) {
		client, err := cfg.Redis.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		rdb = client
		a.closers = append(a.closers, client.Close)
	}

	rt, err := agent.NewFactory(cfg, sqlDB, rdb, logger).CreateRuntime(ctx)
	if err != nil {
		return nil, err
	}
	a.rt = rt
	a.closers = append(a.closers, rt.Close)

	if config.Watch(func(c *config.Config) {
		rt.Engine.SetPolicy(agent.NewFactory(c, sqlDB, rdb, logger).CreatePolicy())
		logger.Info().Msg("policy reloaded from config file")
	}) {
		logger.Debug().Msg("watching config file for policy changes")
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
