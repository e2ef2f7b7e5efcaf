package fleet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAuditor) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAuditor) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

func setupTestRegistry(t *testing.T) (*Registry, *memoryAuditor) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	auditor := &memoryAuditor{}
	r, err := NewRegistry(Config{
		Store:   s,
		Auditor: auditor,
		Logger:  zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	return r, auditor
}

func skills(pairs ...any) []Skill {
	out := make([]Skill, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, Skill{Name: pairs[i].(string), Level: pairs[i+1].(int)})
	}
	return out
}

func TestScore(t *testing.T) {
	agent := &Agent{
		Skills:  skills("python", 8, "sql", 3),
		Metrics: Metrics{SuccessRate: 0.9, AverageResponseTime: 12},
	}

	t.Run("single requirement", func(t *testing.T) {
		got := Score(agent, []SkillRequirement{{SkillName: "python", MinimumLevel: 5}})
		assert.InDelta(t, 40+0.9*5-12*0.1, got, 1e-9)
	})

	t.Run("missing skill contributes nothing", func(t *testing.T) {
		got := Score(agent, []SkillRequirement{{SkillName: "go", MinimumLevel: 1}})
		assert.InDelta(t, 0.9*5-1.2, got, 1e-9)
	})

	t.Run("empty requirements", func(t *testing.T) {
		assert.InDelta(t, 4.5-1.2, Score(agent, nil), 1e-9)
	})

	t.Run("order independent", func(t *testing.T) {
		a := []SkillRequirement{{SkillName: "python", MinimumLevel: 5}, {SkillName: "sql", MinimumLevel: 2}}
		b := []SkillRequirement{a[1], a[0]}
		assert.Equal(t, Score(agent, a), Score(agent, b))
	})

	t.Run("can be negative", func(t *testing.T) {
		slow := &Agent{Metrics: Metrics{AverageResponseTime: 100}}
		assert.Less(t, Score(slow, nil), 0.0)
	})
}

func TestRegister(t *testing.T) {
	r, auditor := setupTestRegistry(t)
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		a, err := r.Register(ctx, Agent{Name: "alpha", Skills: skills("python", 7)})
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, StatusAvailable, a.Status)
		assert.Equal(t, DefaultVersion, a.Version)
		assert.Equal(t, DefaultSecurityClearance, a.SecurityClearance)
		assert.False(t, a.CreatedAt.IsZero())

		got, err := r.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.Contains(t, auditor.actions(), "create_agent")
	})

	t.Run("rejects bad skill level", func(t *testing.T) {
		_, err := r.Register(ctx, Agent{Name: "bad", Skills: skills("python", 11)})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		_, err := r.Register(ctx, Agent{})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := r.Get(ctx, "nope")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}

func TestFindAvailableRequiresAllSkills(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, Agent{Name: "a", Skills: skills("python", 6)})
	require.NoError(t, err)
	b, err := r.Register(ctx, Agent{Name: "b", Skills: skills("python", 6, "sql", 4)})
	require.NoError(t, err)
	offline, err := r.Register(ctx, Agent{Name: "c", Status: StatusOffline, Skills: skills("python", 9, "sql", 9)})
	require.NoError(t, err)

	got, err := r.FindAvailable(ctx, []SkillRequirement{
		{SkillName: "python", MinimumLevel: 5},
		{SkillName: "sql", MinimumLevel: 3},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	got, err = r.FindAvailable(ctx, []SkillRequirement{{SkillName: "python", MinimumLevel: 5}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.NotEqual(t, offline.ID, got[1].ID)

	_, err = r.FindAvailable(ctx, []SkillRequirement{{SkillName: "python", MinimumLevel: 0}})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestAllocate(t *testing.T) {
	t.Run("picks best and marks busy", func(t *testing.T) {
		r, _ := setupTestRegistry(t)
		ctx := context.Background()

		_, err := r.Register(ctx, Agent{Name: "weak", Skills: skills("python", 5)})
		require.NoError(t, err)
		strong, err := r.Register(ctx, Agent{Name: "strong", Skills: skills("python", 9)})
		require.NoError(t, err)

		got, err := r.Allocate(ctx, []SkillRequirement{{SkillName: "python", MinimumLevel: 5}})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, strong.ID, got.ID)
		assert.Equal(t, StatusBusy, got.Status)

		stored, err := r.Get(ctx, strong.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusBusy, stored.Status)
	})

	t.Run("ties go to first registered", func(t *testing.T) {
		r, _ := setupTestRegistry(t)
		ctx := context.Background()

		first, err := r.Register(ctx, Agent{Name: "one", Skills: skills("go", 5)})
		require.NoError(t, err)
		_, err = r.Register(ctx, Agent{Name: "two", Skills: skills("go", 5)})
		require.NoError(t, err)

		got, err := r.Allocate(ctx, []SkillRequirement{{SkillName: "go", MinimumLevel: 3}})
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("miss returns nil", func(t *testing.T) {
		r, _ := setupTestRegistry(t)
		ctx := context.Background()

		_, err := r.Register(ctx, Agent{Name: "junior", Skills: skills("python", 2)})
		require.NoError(t, err)

		got, err := r.Allocate(ctx, []SkillRequirement{{SkillName: "python", MinimumLevel: 5}})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("concurrent allocations never share an agent", func(t *testing.T) {
		r, _ := setupTestRegistry(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := r.Register(ctx, Agent{Name: "worker", Skills: skills("ops", 5)})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := map[string]int{}
		misses := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := r.Allocate(ctx, []SkillRequirement{{SkillName: "ops", MinimumLevel: 1}})
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if a == nil {
					misses++
					return
				}
				claimed[a.ID]++
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, 3)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "agent %s allocated twice", id)
		}
		assert.Equal(t, 5, misses)
	})
}

func TestReleaseAndStatus(t *testing.T) {
	r, auditor := setupTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, Agent{Name: "a", Skills: skills("x", 3)})
	require.NoError(t, err)

	got, err := r.Allocate(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, r.Release(ctx, a.ID))
	stored, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, stored.Status)

	_, err = r.SetStatus(ctx, a.ID, StatusMaintenance)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, a.ID))
	stored, err = r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, stored.Status, "release only touches busy agents")

	_, err = r.SetStatus(ctx, a.ID, "sleeping")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = r.SetStatus(ctx, "missing", StatusOffline)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.Contains(t, auditor.actions(), "update_agent_status")

	counts, err := r.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusMaintenance])
	assert.Equal(t, 0, counts[StatusAvailable])
}

func TestRecordTaskOutcome(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, Agent{Name: "a"})
	require.NoError(t, err)

	_, err = r.RecordTaskOutcome(ctx, a.ID, true, 10*time.Second)
	require.NoError(t, err)
	got, err := r.RecordTaskOutcome(ctx, a.ID, false, 20*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, got.Metrics.TasksCompleted)
	assert.InDelta(t, 0.5, got.Metrics.SuccessRate, 1e-9)
	assert.InDelta(t, 15.0, got.Metrics.AverageResponseTime, 1e-9)
	assert.NotNil(t, got.Metrics.LastActive)
}
