package repositories

import (
	"context"

	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/repositories/memory"
	pgrepo "watchparty/internal/infrastructure/repositories/postgres"
	redisrepo "watchparty/internal/infrastructure/repositories/redis"
	"watchparty/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepositoryFactory creates the comment repository for the configured storage
// driver, falling back to memory when the backend is unreachable.
type RepositoryFactory struct {
	driver      string
	redisClient *redis.Client
	redisPrefix string
	db          *gorm.DB
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver:      cfg.Storage.Driver,
		redisPrefix: cfg.Storage.Redis.KeyPrefix,
		logger:      logger,
	}

	switch cfg.Storage.Driver {
	case config.StorageRedis:
		client, err := redisrepo.Open(redisrepo.Options{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			PoolSize: cfg.Storage.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.driver = config.StorageMemory
		} else {
			factory.redisClient = client
		}
	case config.StoragePostgres:
		db, err := pgrepo.Open(pgrepo.Options{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to PostgreSQL, falling back to memory repositories",
				"error", err,
			)
			factory.driver = config.StorageMemory
		} else {
			factory.db = db
		}
	}

	logger.Infow("comment storage selected", "driver", factory.driver)
	return factory, nil
}

// Driver reports the storage actually in use after any fallback.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

func (f *RepositoryFactory) CreateCommentRepository() ports.CommentRepository {
	switch {
	case f.redisClient != nil:
		return redisrepo.NewRedisCommentRepository(f.redisClient, f.redisPrefix)
	case f.db != nil:
		return pgrepo.NewPostgresCommentRepository(f.db)
	default:
		return memory.NewMemoryCommentRepository()
	}
}

// RedisClient is non-nil only when Redis storage is active. The event bus
// shares it.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.Close(f.redisClient)
	}
	if f.db != nil {
		return pgrepo.Close(f.db)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	if f.db != nil {
		sqlDB, err := f.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	return nil
}
