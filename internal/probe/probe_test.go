package probe

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

func newTestProber(t *testing.T) (*Prober, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := executor.NewRegistry()
	registry.Register(executor.NewEchoExecutor())

	return New(registry, st, log), st
}

func TestForceProbeReportsEngines(t *testing.T) {
	p, st := newTestProber(t)
	ctx := context.Background()

	result, err := p.ForceProbe(ctx)
	require.NoError(t, err)
	require.Contains(t, result, "echo")

	status := result["echo"]
	assert.True(t, status.Availability.Available)
	assert.Equal(t, "echo-1", status.DefaultModel)
	require.Len(t, status.Models, 1)
	assert.Equal(t, "echo-1", status.Models[0].ID)
	assert.False(t, status.ProbedAt.IsZero())

	// The result is written through to the KV so a restart can serve it
	// without re-probing.
	var persisted Result
	require.NoError(t, st.GetSettingJSON(ctx, settingKey, &persisted))
	assert.Contains(t, persisted, "echo")
}

func TestEnginesServedFromCache(t *testing.T) {
	p, _ := newTestProber(t)
	ctx := context.Background()

	first, err := p.Engines(ctx)
	require.NoError(t, err)

	// Poison the memory cache; a cached read must return the poisoned value,
	// proving no re-probe happened.
	marker := Result{"marker": {DefaultModel: "from-cache"}}
	p.cache.Set(cacheKey, marker, cacheTTL)

	second, err := p.Engines(ctx)
	require.NoError(t, err)
	assert.Contains(t, second, "marker")
	assert.NotEqual(t, first, second)
}

func TestEnginesFallsBackToPersistedKV(t *testing.T) {
	p, st := newTestProber(t)
	ctx := context.Background()

	seeded := Result{"seeded": {DefaultModel: "from-kv"}}
	require.NoError(t, st.SetSettingJSON(ctx, settingKey, seeded))

	result, err := p.Engines(ctx)
	require.NoError(t, err)
	assert.Contains(t, result, "seeded", "persisted KV should be served before a live probe")
}
