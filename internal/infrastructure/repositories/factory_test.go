package repositories

import (
	"context"
	"testing"

	"watchparty/internal/core/domain"
	"watchparty/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = config.StorageMemory

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Equal(t, config.StorageMemory, factory.Driver())
	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.HealthCheck(context.Background()))

	repo := factory.CreateCommentRepository()
	require.NoError(t, repo.Append(context.Background(), &domain.Comment{ID: "1", RoomID: "R", Text: "hi"}))
	got, err := repo.ListByRoom(context.Background(), "R")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRepositoryFactory_RedisUnreachableFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = config.StorageRedis
	cfg.Storage.Redis.Address = "127.0.0.1:1"

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Equal(t, config.StorageMemory, factory.Driver())
	assert.Nil(t, factory.RedisClient())
}
