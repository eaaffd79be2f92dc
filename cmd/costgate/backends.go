package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	cgnats "github.com/Strob0t/costgate/internal/adapter/nats"
	"github.com/Strob0t/costgate/internal/adapter/natskv"
	"github.com/Strob0t/costgate/internal/adapter/postgres"
	"github.com/Strob0t/costgate/internal/adapter/redis"
	"github.com/Strob0t/costgate/internal/adapter/ristretto"
	"github.com/Strob0t/costgate/internal/adapter/sqlite"
	"github.com/Strob0t/costgate/internal/adapter/tiered"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/port/cache"
	"github.com/Strob0t/costgate/internal/port/costledger"
	"github.com/Strob0t/costgate/internal/port/eventlog"
	"github.com/Strob0t/costgate/internal/port/quotastore"
)

// ledgerStore is what every ledger backend provides.
type ledgerStore interface {
	costledger.Ledger
	costledger.RollupStore
}

// backends holds the opened storage, ledger and messaging connections.
type backends struct {
	store  quotastore.Store
	events eventlog.Log
	ledger ledgerStore
	queue  *cgnats.Queue // nil when nats.url is empty

	pings   map[string]func(context.Context) error
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects everything cfg selects. When migrate is set, pending
// migrations are applied to the store first.
func openBackends(ctx context.Context, cfg *config.Config, migrate bool) (_ *backends, err error) {
	b := &backends{pings: map[string]func(context.Context) error{}}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var storeLedger ledgerStore
	switch cfg.Storage.Backend {
	case "postgres":
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.pings["postgres"] = pool.Ping
		b.store, b.events, storeLedger = postgres.NewStore(pool), postgres.NewEventLog(pool), postgres.NewLedger(pool)
		slog.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
	default:
		db, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.pings["sqlite"] = db.PingContext
		if migrate {
			if err := sqlite.RunMigrations(ctx, db); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		b.store, b.events, storeLedger = sqlite.NewStore(db), sqlite.NewEventLog(db), sqlite.NewLedger(db)
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
	}

	b.ledger = storeLedger
	if cfg.Ledger.Backend == "redis" {
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.pings["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		var opts []redis.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		b.ledger = redis.New(client, opts...)
		slog.Info("redis ledger connected", "addr", cfg.Redis.Addr)
	}

	if cfg.NATS.URL != "" {
		q, err := cgnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.queue = q
		b.closers = append(b.closers, func() { _ = q.Close() })
		b.pings["nats"] = func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return b, nil
}

// resolverCache builds the ristretto L1 and, when a bucket is configured and
// NATS is available, layers a JetStream KV L2 behind it. The L1 is closed
// with the backends.
func resolverCache(ctx context.Context, cfg *config.Config, b *backends) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, l1.Close)
	queue := b.queue
	if cfg.Cache.L2Bucket == "" || queue == nil {
		return l1, nil
	}
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}
	l1Expire := cfg.Cache.RoleTTL
	if l1Expire == 0 {
		l1Expire = cfg.Cache.TTL
	}
	slog.Info("resolver cache", "l1_mb", cfg.Cache.L1MaxSizeMB, "l2_bucket", cfg.Cache.L2Bucket)
	return tiered.New(l1, natskv.New(kv), l1Expire), nil
}

// openMigrator returns the migration functions for the configured store.
func openMigrator(ctx context.Context, cfg *config.Config) (m migrator, closeFn func(), err error) {
	if cfg.Storage.Backend == "postgres" {
		dsn := cfg.Postgres.DSN
		return migrator{
			up:      func(ctx context.Context) error { return postgres.RunMigrations(ctx, dsn) },
			down:    func(ctx context.Context, steps int) error { return postgres.RollbackMigrations(ctx, dsn, steps) },
			version: func(ctx context.Context) (int64, error) { return postgres.MigrationVersion(ctx, dsn) },
		}, func() {}, nil
	}
	db, err := sqlite.Open(ctx, cfg.SQLite)
	if err != nil {
		return migrator{}, nil, err
	}
	return sqliteMigrator(db), func() { _ = db.Close() }, nil
}

func sqliteMigrator(db *sql.DB) migrator {
	return migrator{
		up:      func(ctx context.Context) error { return sqlite.RunMigrations(ctx, db) },
		down:    func(ctx context.Context, steps int) error { return sqlite.RollbackMigrations(ctx, db, steps) },
		version: func(ctx context.Context) (int64, error) { return sqlite.MigrationVersion(ctx, db) },
	}
}

type migrator struct {
	up      func(context.Context) error
	down    func(context.Context, int) error
	version func(context.Context) (int64, error)
}
