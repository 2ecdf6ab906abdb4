package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the comment store connection.
type Options struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	// PingTimeout bounds the reachability check Open performs.
	PingTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = o.DialTimeout
	}
	return o
}

// Open connects to Redis and fails unless the server answers a ping, so the
// caller can fall back to another store at startup.
func Open(opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.PingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Address, err)
	}

	logger.Infow("Connected to Redis comment store", "address", opts.Address, "db", opts.DB, "pool_size", opts.PoolSize)
	return client, nil
}

// Close releases the connection pool. A nil client is ignored.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
