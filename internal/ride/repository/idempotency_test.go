package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/ride/repository"
)

func TestMemoryIdempotencyRepoExpires(t *testing.T) {
	repo := repository.NewMemoryIdempotencyRepo(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte("payload")))
	got, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)

	time.Sleep(60 * time.Millisecond)
	_, ok, err = repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisIdempotencyRepoKeepsFirstResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := repository.NewRedisIdempotencyRepo(client, "", time.Minute)
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte("first")))
	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte("second")))
	got, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)
}
