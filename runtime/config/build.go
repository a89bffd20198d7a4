package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/observe/pulse"
	"github.com/zhanglunet/agent-society/runtime/persist"
	"github.com/zhanglunet/agent-society/runtime/persist/file"
	"github.com/zhanglunet/agent-society/runtime/persist/mongo"
)

// BuildPersistence constructs the persist.Port named by cfg.Persistence,
// along with a close function the caller should invoke on shutdown.
func BuildPersistence(ctx context.Context, cfg PersistenceConfig) (persist.Port, func(context.Context) error, error) {
	switch cfg.Backend {
	case "", "file":
		store, err := file.New(cfg.RuntimeDir)
		if err != nil {
			return nil, nil, fmt.Errorf("config: build file persistence: %w", err)
		}
		return store, store.Close, nil
	case "mongo":
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		// v2 driver: Connect does not dial immediately; the first real
		// operation (index creation in mongo.New) surfaces connection errors.
		if err != nil {
			return nil, nil, fmt.Errorf("config: connect mongo: %w", err)
		}
		store, err := mongo.New(ctx, mongo.Options{
			Client:                 client,
			Database:               cfg.Mongo.Database,
			MessagesCollection:     cfg.Mongo.MessagesCollection,
			ConversationCollection: cfg.Mongo.ConversationCollection,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("config: build mongo persistence: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown persistence backend %q", cfg.Backend)
	}
}

// BuildObservers constructs the optional external bus.Observer fan-outs
// named in cfg (currently just the Pulse stream publisher).
func BuildObservers(cfg ObservabilityConfig) ([]bus.Observer, error) {
	if !cfg.Pulse.Enabled {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Pulse.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config: parse pulse redis url: %w", err)
	}
	observer, err := pulse.New(pulse.Options{Redis: redis.NewClient(opts)})
	if err != nil {
		return nil, fmt.Errorf("config: build pulse observer: %w", err)
	}
	return []bus.Observer{observer}, nil
}
