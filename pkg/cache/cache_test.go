package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/scorpio/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func setupBackends(t *testing.T) (map[string]Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	mem := NewMemoryCache()
	mem.now = clock.now

	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	sq, err := NewSQLiteCache(context.Background(), s.DB())
	require.NoError(t, err)
	sq.now = clock.now

	return map[string]Cache{"memory": mem, "sqlite": sq}, clock
}

func TestCacheBackends(t *testing.T) {
	backends, clock := setupBackends(t)
	ctx := context.Background()

	for name, c := range backends {
		t.Run(name, func(t *testing.T) {
			start := clock.t
			t.Cleanup(func() { clock.t = start })

			_, ok, err := c.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "k", []byte("v1"), time.Minute))
			require.NoError(t, c.Set(ctx, "forever", []byte("x"), 0))

			v, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v1"), v)

			require.NoError(t, c.Set(ctx, "k", []byte("v2"), time.Minute))
			v, _, _ = c.Get(ctx, "k")
			assert.Equal(t, []byte("v2"), v)

			clock.t = clock.t.Add(2 * time.Minute)
			_, ok, err = c.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok, "entry should expire")

			n, err := c.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, _ = c.Get(ctx, "forever")
			assert.True(t, ok)

			require.NoError(t, c.Delete(ctx, "forever"))
			_, ok, _ = c.Get(ctx, "forever")
			assert.False(t, ok)
		})
	}
}
