package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/multiagents/multiagents/internal/db"
)

// SettingsDefaults are the built-in values returned when a key has never been
// written. Keys are dotted paths; values are JSON-encoded at rest.
var SettingsDefaults = map[string]any{
	"agents.enabled":              []any{"claude", "codex", "kimi"},
	"agents.claude.model":         nil,
	"agents.claude.system_prompt": nil,
	"agents.codex.model":          nil,
	"agents.codex.system_prompt":  nil,
	"agents.kimi.model":           nil,
	"agents.kimi.system_prompt":   nil,
	"timeouts.idle":               1800,
	"timeouts.parse":              1200,
	"timeouts.send":               120,
	"timeouts.hard":               0,
	"memory.model":                "haiku",
	"server.warmup_ttl":           300,
	"server.max_events":           2000,
	"ui.layout.default":           "split",
	"ui.layout.allow_switch":      true,
	"ui.layout.split_enabled":     true,
	"ui.theme.mode":               "dark",
	"ui.theme.accent":             "cyan",
	"ui.theme.density":            "cozy",
	"agents.claude.permissions":   "bypass",
	"agents.codex.permissions":    "bypass",
	"agents.kimi.permissions":     "bypass",
	"permissions.timeout":         120,
}

const settingsSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SettingsStore is a JSON key/value settings table layered over
// SettingsDefaults.
type SettingsStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewSettingsStore opens (or creates) the settings table at dbPath.
func NewSettingsStore(dbPath string) (*SettingsStore, error) {
	raw, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	store := &SettingsStore{db: sqlx.NewDb(raw, "sqlite3")}
	if _, err := store.db.Exec(settingsSchema); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return store, nil
}

// NewSettingsStoreFromDB wraps an existing connection; used by tests.
func NewSettingsStoreFromDB(raw *sql.DB) (*SettingsStore, error) {
	store := &SettingsStore{db: sqlx.NewDb(raw, "sqlite3")}
	if _, err := store.db.Exec(settingsSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return store, nil
}

func (s *SettingsStore) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, falling back to the default.
func (s *SettingsStore) Get(ctx context.Context, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM settings WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return SettingsDefaults[key], nil
	}
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("corrupt setting %q: %w", key, err)
	}
	return value, nil
}

// Set writes one key.
func (s *SettingsStore) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, string(encoded))
	return err
}

// Delete removes a key, restoring the default.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// GetAll returns defaults overlaid with every stored value.
func (s *SettingsStore) GetAll(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings`); err != nil {
		return nil, err
	}
	result := make(map[string]any, len(SettingsDefaults)+len(rows))
	for k, v := range SettingsDefaults {
		result[k] = v
	}
	for _, row := range rows {
		var value any
		if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
			continue
		}
		result[row.Key] = value
	}
	return result, nil
}

// SetMany writes several keys atomically.
func (s *SettingsStore) SetMany(ctx context.Context, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for key, value := range updates {
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
			key, string(encoded)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEffective layers stored settings under per-session config and CLI
// overrides: defaults < stored < session < CLI.
func (s *SettingsStore) GetEffective(ctx context.Context, sessionConfig, cliOverrides map[string]any) (map[string]any, error) {
	result, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range sessionConfig {
		result[k] = v
	}
	for k, v := range cliOverrides {
		result[k] = v
	}
	return result, nil
}
