package app

import (
	"context"
	"fmt"
	"time"

	"unisale/cmd/internal/chat"
)

// backend owns the conversation store and the resources behind it.
type backend struct {
	name  string
	store chat.Store

	// relay fans change notifications in from other instances; nil for memory.
	relay chat.Listener

	// ping checks the durable store; nil for memory.
	ping func(ctx context.Context) error

	close func() error
}

func (b *backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// newBackend opens the store selected by cfg.
func newBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	name, err := cfg.StoreBackend()
	if err != nil {
		return nil, err
	}

	switch name {
	case StorePostgres:
		return newPostgresBackend(ctx, cfg, log)
	case StoreRedis:
		return newRedisBackend(ctx, cfg, log)
	default:
		log.Info("store.memory", "note", "conversations are lost on restart")
		st := chat.NewInMemoryStore()
		return &backend{name: StoreMemory, store: st, close: st.Close}, nil
	}
}

func newPostgresBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	// Ownership model: the app owns the pool; PostgresStore.Close is a no-op.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema), chat.WithPostgresLogger(log))
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		log.Info("store.postgres.migrated", "schema", cfg.DBSchema)
	}

	log.Info("store.postgres", "schema", cfg.DBSchema)
	return &backend{
		name:  StorePostgres,
		store: st,
		relay: st,
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		},
		close: func() error {
			_ = st.Close()
			pool.Close()
			return nil
		},
	}, nil
}

func newRedisBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	st, err := chat.NewRedisStore(client, chat.WithRedisPrefix(cfg.RedisPrefix), chat.WithRedisLogger(log))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("store.redis", "prefix", cfg.RedisPrefix)
	return &backend{
		name:  StoreRedis,
		store: st,
		relay: st,
		ping: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return st.Ping(ctx)
		},
		// The store owns the client.
		close: st.Close,
	}, nil
}
