package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) *SettingsStore {
	t.Helper()
	store, err := NewSettingsStore(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSettingsDefaults(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	v, err := store.Get(ctx, "ui.theme.mode")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	v, err = store.Get(ctx, "timeouts.idle")
	require.NoError(t, err)
	assert.Equal(t, 1800, v)

	v, err = store.Get(ctx, "no.such.key")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSettingsSetGetDelete(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "agents.claude.model", "opus"))
	v, err := store.Get(ctx, "agents.claude.model")
	require.NoError(t, err)
	assert.Equal(t, "opus", v)

	// Numbers come back as float64 after the JSON round trip.
	require.NoError(t, store.Set(ctx, "timeouts.idle", 600))
	v, err = store.Get(ctx, "timeouts.idle")
	require.NoError(t, err)
	assert.Equal(t, float64(600), v)

	require.NoError(t, store.Delete(ctx, "timeouts.idle"))
	v, err = store.Get(ctx, "timeouts.idle")
	require.NoError(t, err)
	assert.Equal(t, 1800, v)
}

func TestSettingsGetAllOverlaysDefaults(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, store.SetMany(ctx, map[string]any{
		"ui.theme.mode":       "light",
		"agents.claude.model": "opus",
	}))

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "light", all["ui.theme.mode"])
	assert.Equal(t, "opus", all["agents.claude.model"])
	// Untouched keys keep their defaults.
	assert.Equal(t, "cyan", all["ui.theme.accent"])
	assert.Equal(t, "bypass", all["agents.codex.permissions"])
}

func TestSettingsGetEffectiveLayering(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ui.theme.mode", "light"))
	require.NoError(t, store.Set(ctx, "memory.model", "sonnet"))

	effective, err := store.GetEffective(ctx,
		map[string]any{"ui.theme.mode": "dark", "timeouts.send": 60},
		map[string]any{"timeouts.send": 30},
	)
	require.NoError(t, err)

	// Session config overrides stored; CLI overrides both.
	assert.Equal(t, "dark", effective["ui.theme.mode"])
	assert.Equal(t, 30, effective["timeouts.send"])
	assert.Equal(t, "sonnet", effective["memory.model"])
	assert.Equal(t, "cozy", effective["ui.theme.density"])
}
