package main

import (
	"context"
	"fmt"
	"log/slog"

	"call-signaling/internal/audit"
	"call-signaling/internal/broker"
	"call-signaling/internal/config"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"
	"call-signaling/internal/store"
	"call-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	sessionsCollection = "call_sessions"
	auditCollection    = "call_audit_events"
	sweepLeaseKey      = "calls:sweeper"
)

// sessionStore is what the manager and reporting need from durable storage.
type sessionStore interface {
	signaling.Store
	reporting.Repository
}

// backends holds the configured storage and fan-out implementations.
type backends struct {
	Sessions   sessionStore
	Conflict   error
	Audit      *audit.Service
	Broker     broker.Broker
	SweepLease signaling.Lease

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{Conflict: store.ErrConflict}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
	}

	var auditRepo audit.Repository
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := utils.OpenPostgres(ctx, utils.PostgresConfig{DSN: cfg.PostgresDSN()})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, func() { _ = db.Close() })

		pg := store.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		repo := audit.NewPostgresRepo(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		b.Sessions, auditRepo = pg, repo

	case config.BackendMongo:
		client, err := utils.OpenMongo(ctx, utils.MongoConfig{URI: cfg.Mongo.URI, AppName: "call-signaling"})
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Disconnect(context.Background()) })

		db := client.Database(cfg.Mongo.Database)
		m, err := store.NewMongo(ctx, db.Collection(sessionsCollection))
		if err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		repo := audit.NewMongoRepo(db.Collection(auditCollection))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("audit indexes: %w", err)
		}
		b.Sessions, auditRepo = m, repo

	default:
		b.Sessions, auditRepo = store.NewMemory(), audit.NewLogRepo(log, audit.NewMemoryRepo())
	}
	b.Audit = audit.NewService(auditRepo)

	switch cfg.Broker.Backend {
	case config.BackendRedis:
		rb, err := broker.NewRedis(rdb, "", broker.DefaultBuffer, log)
		if err != nil {
			return nil, err
		}
		b.Broker = rb

	case config.BackendNATS:
		nc, err := utils.OpenNATS(utils.NATSConfig{URL: cfg.NATS.URL, Name: "call-signaling"}, log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.closers = append(b.closers, nc.Close)
		nb, err := broker.NewNATS(nc, broker.DefaultBuffer, log)
		if err != nil {
			return nil, err
		}
		b.Broker = nb

	default:
		b.Broker = broker.NewMemory(broker.DefaultBuffer, log)
	}
	br := b.Broker
	b.closers = append(b.closers, func() { _ = br.Close() })

	switch {
	case rdb != nil:
		lease, err := utils.NewRedisLease(rdb, sweepLeaseKey)
		if err != nil {
			return nil, err
		}
		b.SweepLease = lease
	case cfg.SharedStore():
		// Version checks keep concurrent sweeps from finishing a session twice.
		log.Warn("no sweep lease configured, every instance sweeps the shared store; set REDIS_HOST to elect one",
			"store", cfg.Store.Backend, "broker", cfg.Broker.Backend)
	}

	log.Info("backends ready", "store", cfg.Store.Backend, "broker", cfg.Broker.Backend, "sweep_lease", b.SweepLease != nil)
	return b, nil
}
