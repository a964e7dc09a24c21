package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "trackingd"
)

// Config holds the settings for the live tracking store: the trip topics,
// publish acks, latest updates and persisted outboxes.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	// PoolSize bounds command connections. Every trip subscription holds a
	// dedicated pub/sub connection outside this pool. Zero keeps the client
	// default.
	PoolSize int
}

// Connect opens the client, pings the server and loads the publish script
// so the first tracking update runs by hash.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := redis.NewClient(clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if err := publishOnce.Load(pingCtx, client).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis load publish script: %w", err)
	}

	return client, nil
}

func clientOptions(cfg Config) *redis.Options {
	return &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: clientName,
		PoolSize:   cfg.PoolSize,
	}
}
