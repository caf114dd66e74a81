package setup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/coderelay/features/config/memory"
	"goa.design/coderelay/features/config/mongo"
	"goa.design/coderelay/features/config/replicated"
	"goa.design/coderelay/features/remote/inmem"
	"goa.design/coderelay/features/remote/middleware"
	"goa.design/coderelay/features/remote/openai"
	"goa.design/coderelay/runtime/configstore"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

// RateLimitKey is the replicated map key holding the shared TPM budget.
const RateLimitKey = "relay:ratelimit:tpm"

// Dependencies holds the connections shared by the relay components.
type Dependencies struct {
	// Store is the configured configuration store.
	Store configstore.Store
	// Map is the replicated map of the replicated store, nil otherwise.
	Map *rmap.Map
	// Pingers report the health of the connections.
	Pingers []health.Pinger

	closers []func(context.Context) error
}

// Connect opens the connections required by cfg.
func Connect(ctx context.Context, cfg Config) (*Dependencies, error) {
	deps := &Dependencies{}
	switch cfg.Store.Backend {
	case StoreMongo:
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		deps.closers = append(deps.closers, mc.Disconnect)
		s, err := mongo.New(ctx, mongo.Options{
			Client:     mc,
			Database:   cfg.Store.Mongo.Database,
			Collection: cfg.Store.Mongo.Collection,
		})
		if err != nil {
			deps.Close(ctx)
			return nil, err
		}
		deps.Store = s
		deps.Pingers = append(deps.Pingers, s)
	case StoreReplicated:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		deps.closers = append(deps.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			deps.Close(ctx)
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		m, err := rmap.Join(ctx, cfg.Redis.MapName, rdb)
		if err != nil {
			deps.Close(ctx)
			return nil, fmt.Errorf("join replicated map %q: %w", cfg.Redis.MapName, err)
		}
		deps.closers = append(deps.closers, func(context.Context) error { m.Close(); return nil })
		deps.Map = m
		deps.Store = replicated.New(m)
		deps.Pingers = append(deps.Pingers, redisPinger{rdb})
	default:
		deps.Store = memory.New()
	}
	return deps, nil
}

// Close releases the connections in reverse order of creation.
func (d *Dependencies) Close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			log.Errorf(ctx, err, "failed to close dependency")
		}
	}
	d.closers = nil
}

// RemoteClient returns the remote backend selected by cfg: the in-memory
// backend in dev mode, OpenAI otherwise. The client is wrapped with the
// adaptive rate limiter when a budget is configured; the budget is shared
// through the replicated map when one is connected and reported to metrics
// when set.
func (d *Dependencies) RemoteClient(ctx context.Context, cfg Config, metrics telemetry.Metrics) (remote.Client, error) {
	var client remote.Client
	if cfg.Dev {
		client = inmem.New()
	} else {
		c, err := openai.NewFromAPIKey(openai.ClientOptions{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}
	if cfg.Run.RateLimitTPM > 0 {
		lim := middleware.NewAdaptiveRateLimiter(ctx, d.Map, RateLimitKey, cfg.Run.RateLimitTPM, cfg.Run.MaxTPM).
			WithMetrics(metrics)
		client = lim.Wrap(client)
	}
	return client, nil
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
