package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Morditux/sqlsession"
	"github.com/Morditux/sqlsession/internal/config"
)

var ErrRedisNotReady = errors.New("redis did not become ready within the given time period")

// openStore builds the store described by cfg. The returned cleanup releases the
// locker's resources and must run after the store is closed.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, reg prometheus.Registerer) (*sqlsession.Store, func(), error) {
	cleanup := func() {}

	opts := sqlsession.Options{
		TableName:       cfg.Store.Table,
		LockTimeout:     cfg.Store.LockTimeout,
		MaxSessionBytes: cfg.Store.MaxSessionBytes,
		Logger:          log,
		Registerer:      reg,
	}

	switch cfg.Locker.Type {
	case "memcached":
		opts.Locker = sqlsession.NewMemcachedLockerWithConfig(sqlsession.MemcachedConfig{
			Servers: cfg.Locker.Servers,
			Lease:   cfg.Locker.Lease,
			Timeout: time.Second,
		})
	case "redis":
		client, err := connectRedis(ctx, cfg.Locker)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = client.Close() }
		opts.Locker = sqlsession.NewRedisLockerWithConfig(sqlsession.RedisLockerConfig{
			Client: client,
			Lease:  cfg.Locker.Lease,
		})
	}

	var (
		store *sqlsession.Store
		err   error
	)
	switch cfg.Store.Driver {
	case "postgres":
		store, err = sqlsession.NewPostgreSQLStoreWithConfig(sqlsession.PostgreSQLConfig{
			Options:         opts,
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    orDefault(cfg.Store.MaxOpenConns, 25),
			MaxIdleConns:    orDefault(cfg.Store.MaxIdleConns, 5),
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		})
	case "sqlite":
		store, err = sqlsession.NewSQLiteStoreWithConfig(sqlsession.SQLiteConfig{
			Options:      opts,
			DSN:          cfg.Store.DSN,
			MaxOpenConns: orDefault(cfg.Store.MaxOpenConns, 16),
			MaxIdleConns: orDefault(cfg.Store.MaxIdleConns, 16),
			LockLease:    cfg.Locker.Lease,
		})
	default:
		err = fmt.Errorf("%w: unsupported store driver %q", config.ErrInvalidConfig, cfg.Store.Driver)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	log.WithFields(logrus.Fields{
		"driver": cfg.Store.Driver,
		"table":  store.TableName(),
		"locker": lockerName(cfg.Locker.Type),
	}).Info("session store ready")
	return store, cleanup, nil
}

// connectRedis pings the server until it answers, retrying RetryAttempts times.
func connectRedis(ctx context.Context, cfg config.LockerConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

func lockerName(t string) string {
	if t == "" {
		return "backend"
	}
	return t
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
