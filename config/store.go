package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-durable/store"
)

// OpenStore builds the event log backend described by cfg. The returned
// close func releases connections and is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, func() error, error) {
	noop := func() error { return nil }
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return store.NewMemoryStore(), noop, nil

	case DriverSQLite, DriverPostgres:
		dialect, err := store.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, noop, err
		}
		db, err := store.OpenSQL(dialect, cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open %s: %w", dialect, err)
		}
		s := store.NewSQLStore(db, dialect, store.WithSQLTablePrefix(cfg.TablePrefix))
		if cfg.ShouldMigrate() {
			if err := s.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, noop, fmt.Errorf("migrate %s: %w", dialect, err)
			}
		}
		return s, db.Close, nil

	case DriverRedis:
		opts, err := redisOptions(cfg)
		if err != nil {
			return nil, noop, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
		}
		return store.NewRedisStore(client, store.WithRedisKeyPrefix(cfg.Redis.Prefix)), client.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown driver %q", cfg.Driver)
}

func redisOptions(cfg StoreConfig) (*redis.Options, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, nil
}
