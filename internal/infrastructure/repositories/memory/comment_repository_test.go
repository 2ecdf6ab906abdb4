package memory

import (
	"context"
	"testing"
	"time"

	"watchparty/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCommentRepository_OrderAndIsolation(t *testing.T) {
	repo := NewMemoryCommentRepository()
	ctx := context.Background()

	for _, c := range []domain.Comment{
		{ID: "3", RoomID: "R1", Text: "c", Timestamp: 3000},
		{ID: "1", RoomID: "R1", Text: "a", Timestamp: 1000},
		{ID: "x", RoomID: "R2", Text: "other", Timestamp: 500},
		{ID: "2", RoomID: "R1", Text: "b", Timestamp: 1000},
	} {
		c := c
		require.NoError(t, repo.Append(ctx, &c))
	}

	got, err := repo.ListByRoom(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})

	empty, err := repo.ListByRoom(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryCommentRepository_ListReturnsCopy(t *testing.T) {
	repo := NewMemoryCommentRepository()
	ctx := context.Background()
	require.NoError(t, repo.Append(ctx, &domain.Comment{ID: "1", RoomID: "R1", Text: "a"}))

	got, _ := repo.ListByRoom(ctx, "R1")
	got[0].Text = "mutated"

	again, _ := repo.ListByRoom(ctx, "R1")
	assert.Equal(t, "a", again[0].Text)
}

func TestMemoryCommentRepository_StartedAt(t *testing.T) {
	repo := NewMemoryCommentRepository()
	ctx := context.Background()

	_, err := repo.StartedAt(ctx, "R1")
	assert.ErrorIs(t, err, domain.ErrStreamNotStarted)

	first := time.Unix(100, 0)
	second := time.Unix(200, 0)
	require.NoError(t, repo.SetStartedAt(ctx, "R1", first))
	require.NoError(t, repo.SetStartedAt(ctx, "R1", second))

	got, err := repo.StartedAt(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, second.Equal(got))
}
