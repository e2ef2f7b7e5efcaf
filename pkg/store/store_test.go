package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID      string    `json:"id"`
	Status  string    `json:"status"`
	Count   int       `json:"count"`
	Active  bool      `json:"active"`
	Tags    []string  `json:"tags"`
	Nested  nested    `json:"nested"`
	Created time.Time `json:"created"`
	Owner   *string   `json:"owner"`
}

type nested struct {
	Errors int `json:"errors"`
}

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndFindOne(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "items", "a", item{ID: "a", Status: "open", Tags: []string{"x"}}))

	t.Run("found by id", func(t *testing.T) {
		doc, err := s.FindOne(ctx, "items", Filter{"id": "a"})
		require.NoError(t, err)
		var got item
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, "open", got.Status)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.FindOne(ctx, "items", Filter{"id": "zzz"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := s.Insert(ctx, "items", "a", item{ID: "a"})
		assert.ErrorIs(t, err, errdefs.ErrConflict)
	})

	t.Run("collections are isolated", func(t *testing.T) {
		_, err := s.FindOne(ctx, "other", Filter{"id": "a"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	owner := "alice"

	items := []item{
		{ID: "1", Status: "open", Count: 1, Active: true, Tags: []string{"a", "b"}, Created: base},
		{ID: "2", Status: "closed", Count: 5, Tags: []string{"b"}, Created: base.Add(2 * time.Hour), Owner: &owner},
		{ID: "3", Status: "open", Count: 9, Tags: nil, Created: base.Add(26 * time.Hour)},
	}
	for _, it := range items {
		require.NoError(t, s.Insert(ctx, "items", it.ID, it))
	}

	ids := func(t *testing.T, f Filter, opts ...FindOption) []string {
		docs, err := s.Find(ctx, "items", f, opts...)
		require.NoError(t, err)
		got, err := DecodeAll[item](docs)
		require.NoError(t, err)
		out := make([]string, 0, len(got))
		for _, it := range got {
			out = append(out, it.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		opts   []FindOption
		want   []string
	}{
		{"all in insertion order", nil, nil, []string{"1", "2", "3"}},
		{"equality", Filter{"status": "open"}, nil, []string{"1", "3"}},
		{"bool", Filter{"active": true}, nil, []string{"1"}},
		{"null pointer", Filter{"owner": nil}, nil, []string{"1", "3"}},
		{"contains", Filter{"tags": Contains("b")}, nil, []string{"1", "2"}},
		{"in", Filter{"id": In("1", "3")}, nil, []string{"1", "3"}},
		{"numeric range", Filter{"count": Range(2, nil)}, nil, []string{"2", "3"}},
		{"time range", Filter{"created": TimeRange(base.Add(time.Hour), base.Add(24*time.Hour))}, nil, []string{"2"}},
		{"sort desc", nil, []FindOption{SortByTime("created", true)}, []string{"3", "2", "1"}},
		{"sort and limit", nil, []FindOption{SortBy("count", true), Limit(2)}, []string{"3", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(t, tt.filter, tt.opts...))
		})
	}

	n, err := s.Count(ctx, "items", Filter{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFindOneAndUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "items", "a", item{ID: "a", Status: "open"}))

	t.Run("set inc and push", func(t *testing.T) {
		doc, err := s.FindOneAndUpdate(ctx, "items", Filter{"id": "a", "status": "open"}, Update{
			Set:  map[string]any{"status": "closed"},
			Inc:  map[string]int64{"nested.errors": 2, "count": 1},
			Push: map[string]any{"tags": "new"},
		})
		require.NoError(t, err)
		var got item
		require.NoError(t, doc.Decode(&got))
		assert.Equal(t, "closed", got.Status)
		assert.Equal(t, 2, got.Nested.Errors)
		assert.Equal(t, 1, got.Count)
		assert.Equal(t, []string{"new"}, got.Tags)
	})

	t.Run("compare fails after change", func(t *testing.T) {
		_, err := s.FindOneAndUpdate(ctx, "items", Filter{"id": "a", "status": "open"}, Update{
			Set: map[string]any{"status": "open"},
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFindOneAndUpdateIsAtomic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "items", "a", item{ID: "a", Status: "open"}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.FindOneAndUpdate(ctx, "items", Filter{"id": "a", "status": "open"}, Update{
				Set: map[string]any{"status": "taken"},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestUpsertAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "items", "a", item{ID: "a", Count: 1}))
	require.NoError(t, s.Upsert(ctx, "items", "a", item{ID: "a", Count: 2}))

	doc, err := s.FindOne(ctx, "items", Filter{"id": "a"})
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, 2, got.Count)

	deleted, err := s.DeleteOne(ctx, "items", Filter{"id": "a"})
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteOne(ctx, "items", Filter{"id": "a"})
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, s.Insert(ctx, "items", "b", item{ID: "b", Status: "x"}))
	require.NoError(t, s.Insert(ctx, "items", "c", item{ID: "c", Status: "x"}))
	n, err := s.DeleteMany(ctx, "items", Filter{"status": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
