package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/multiagents/multiagents/internal/cards"
	"github.com/multiagents/multiagents/internal/db"
)

const defaultMaxSessionEvents = 2000

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	agent_names   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	is_running    INTEGER NOT NULL DEFAULT 0,
	is_paused     INTEGER NOT NULL DEFAULT 0,
	current_round INTEGER NOT NULL DEFAULT 0,
	last_event_id INTEGER NOT NULL DEFAULT 0,
	last_event_at TEXT NOT NULL DEFAULT '',
	working_dir   TEXT NOT NULL DEFAULT '',
	config        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	round_number INTEGER,
	passed       INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_state (
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	agent_name     TEXT NOT NULL,
	cli_session_id TEXT,
	last_round     INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'idle',
	stream_text    TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, agent_name)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS session_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_id    INTEGER NOT NULL,
	type        TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_session_event ON session_events(session_id, event_id);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);

CREATE TABLE IF NOT EXISTS cards (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'backlog',
	planner            TEXT NOT NULL DEFAULT '',
	implementer        TEXT NOT NULL DEFAULT '',
	reviewer           TEXT NOT NULL DEFAULT '',
	coordinator        TEXT NOT NULL DEFAULT '',
	coordination_stage TEXT NOT NULL DEFAULT '',
	previous_phase     TEXT,
	history            TEXT NOT NULL DEFAULT '[]',
	created_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_session ON cards(session_id);
`

// SQLiteStore is the sqlite-backed Store. A single writer connection
// serializes writes; event id reservation runs under the store mutex so
// concurrent broadcasters never collide.
type SQLiteStore struct {
	db        *sqlx.DB
	mu        sync.Mutex
	maxEvents int
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, maxEvents int) (*SQLiteStore, error) {
	raw, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = defaultMaxSessionEvents
	}
	store := &SQLiteStore{db: sqlx.NewDb(raw, "sqlite3"), maxEvents: maxEvents}
	if err := store.initSchema(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an existing connection; used by tests with
// in-memory databases.
func NewSQLiteStoreFromDB(raw *sql.DB, maxEvents int) (*SQLiteStore, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxSessionEvents
	}
	store := &SQLiteStore{db: sqlx.NewDb(raw, "sqlite3"), maxEvents: maxEvents}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sessionSchema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func encodeAgents(agents []AgentPersona) string {
	if agents == nil {
		agents = []AgentPersona{}
	}
	data, _ := json.Marshal(agents)
	return string(data)
}

// decodeAgents parses the agent_names column, migrating legacy plain string
// lists to persona records.
func decodeAgents(raw string) []AgentPersona {
	var personas []AgentPersona
	if err := json.Unmarshal([]byte(raw), &personas); err == nil {
		for i := range personas {
			if personas[i].Name == "" {
				personas[i].Name = personas[i].Type
			}
		}
		return personas
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err == nil {
		personas = make([]AgentPersona, len(names))
		for i, name := range names {
			personas[i] = AgentPersona{Name: name, Type: name}
		}
		return personas
	}
	return nil
}

type sessionRow struct {
	ID           string `db:"id"`
	Title        string `db:"title"`
	AgentNames   string `db:"agent_names"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
	IsRunning    bool   `db:"is_running"`
	IsPaused     bool   `db:"is_paused"`
	CurrentRound int    `db:"current_round"`
	LastEventID  int64  `db:"last_event_id"`
	LastEventAt  string `db:"last_event_at"`
	WorkingDir   string `db:"working_dir"`
	Config       string `db:"config"`
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Summary, error) {
	var rows []struct {
		ID         string `db:"id"`
		Title      string `db:"title"`
		AgentNames string `db:"agent_names"`
		UpdatedAt  string `db:"updated_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, agent_names, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{
			ID:        row.ID,
			Title:     row.Title,
			Agents:    decodeAgents(row.AgentNames),
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, agents []AgentPersona, workingDir string, config map[string]any) (*Session, error) {
	for i := range agents {
		if agents[i].Name == "" {
			agents[i].Name = agents[i].Type
		}
	}
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		Title:         "New Chat",
		Agents:        agents,
		CreatedAt:     nowUTC(),
		UpdatedAt:     nowUTC(),
		AgentSessions: map[string]string{},
		WorkingDir:    workingDir,
		Config:        config,
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, agent_names, created_at, updated_at, working_dir, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, encodeAgents(agents), sess.CreatedAt, sess.UpdatedAt, workingDir, string(configJSON))
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_state (session_id, agent_name) VALUES (?, ?)`,
			sess.ID, a.Name); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, agent_names, created_at, updated_at, is_running, is_paused,
		        current_round, last_event_id, last_event_at, working_dir, config
		 FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	agentSessions, err := s.GetAgentSessionIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	config := map[string]any{}
	if row.Config != "" {
		_ = json.Unmarshal([]byte(row.Config), &config)
	}
	return &Session{
		ID:            row.ID,
		Title:         row.Title,
		Agents:        decodeAgents(row.AgentNames),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		IsRunning:     row.IsRunning,
		IsPaused:      row.IsPaused,
		CurrentRound:  row.CurrentRound,
		LastEventID:   row.LastEventID,
		LastEventAt:   row.LastEventAt,
		AgentSessions: agentSessions,
		WorkingDir:    row.WorkingDir,
		Config:        config,
	}, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, nowUTC(), sessionID)
	return err
}

func (s *SQLiteStore) UpdateAgents(ctx context.Context, sessionID string, agents []AgentPersona) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_names = ?, updated_at = ? WHERE id = ?`,
		encodeAgents(agents), nowUTC(), sessionID)
	return err
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) (*MessageRecord, error) {
	msg := &MessageRecord{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Role:      role,
		Content:   content,
		Round:     round,
		Passed:    passed,
		CreatedAt: nowUTC(),
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, round_number, passed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, role, content, round, passed, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, sessionID); err != nil {
		return nil, err
	}
	return msg, tx.Commit()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	var rows []struct {
		ID        string        `db:"id"`
		Role      string        `db:"role"`
		Content   string        `db:"content"`
		Round     sql.NullInt64 `db:"round_number"`
		Passed    bool          `db:"passed"`
		CreatedAt string        `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, role, content, round_number, passed, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, MessageRecord{
			ID:        row.ID,
			Role:      row.Role,
			Content:   row.Content,
			Round:     int(row.Round.Int64),
			Passed:    row.Passed,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) SetRunning(ctx context.Context, sessionID string, running bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_running = ?, updated_at = ? WHERE id = ?`,
		running, nowUTC(), sessionID)
	return err
}

func (s *SQLiteStore) SetCurrentRound(ctx context.Context, sessionID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_round = ?, updated_at = ? WHERE id = ?`,
		round, nowUTC(), sessionID)
	return err
}

func (s *SQLiteStore) GetState(ctx context.Context, sessionID string) (*State, error) {
	var row struct {
		IsRunning    bool   `db:"is_running"`
		IsPaused     bool   `db:"is_paused"`
		CurrentRound int    `db:"current_round"`
		LastEventID  int64  `db:"last_event_id"`
		LastEventAt  string `db:"last_event_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT is_running, is_paused, current_round, last_event_id, last_event_at
		 FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &State{
		IsRunning:    row.IsRunning,
		IsPaused:     row.IsPaused,
		CurrentRound: row.CurrentRound,
		LastEventID:  row.LastEventID,
		LastEventAt:  row.LastEventAt,
	}, nil
}

func (s *SQLiteStore) ClearInFlight(ctx context.Context, sessionID string) error {
	now := nowUTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET is_running = 0, is_paused = 0, current_round = 0, updated_at = ? WHERE id = ?`,
		now, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_state SET last_round = 0, status = 'idle', stream_text = '', updated_at = ? WHERE session_id = ?`,
		now, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ResetAgentProgress(ctx context.Context, sessionID string, agentNames []string, round int) error {
	now := nowUTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, name := range agentNames {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_state SET last_round = ?, status = 'streaming', stream_text = '', updated_at = ?
			 WHERE session_id = ? AND agent_name = ?`,
			round, now, sessionID, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendAgentStream(ctx context.Context, sessionID, agentName string, round int, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET last_round = ?, status = 'streaming', stream_text = stream_text || ?, updated_at = ?
		 WHERE session_id = ? AND agent_name = ?`,
		round, chunk, nowUTC(), sessionID, agentName)
	return err
}

func (s *SQLiteStore) SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET last_round = ?, status = ?, updated_at = ?
		 WHERE session_id = ? AND agent_name = ?`,
		round, status, nowUTC(), sessionID, agentName)
	return err
}

func (s *SQLiteStore) GetAgentProgress(ctx context.Context, sessionID string) (map[string]AgentProgress, error) {
	var rows []struct {
		AgentName  string `db:"agent_name"`
		LastRound  int    `db:"last_round"`
		Status     string `db:"status"`
		StreamText string `db:"stream_text"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT agent_name, last_round, status, stream_text FROM agent_state WHERE session_id = ?`,
		sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]AgentProgress, len(rows))
	for _, row := range rows {
		out[row.AgentName] = AgentProgress{
			LastRound:  row.LastRound,
			Status:     row.Status,
			StreamText: row.StreamText,
		}
	}
	return out, nil
}

// ReserveEventID allocates the next monotonic event id for a session.
func (s *SQLiteStore) ReserveEventID(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	err := s.db.GetContext(ctx, &last,
		`SELECT last_event_id FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("unknown session: %s", sessionID)
	}
	if err != nil {
		return 0, err
	}
	next := last + 1
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_event_id = ? WHERE id = ?`, next, sessionID); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, sessionID string, eventID int64, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	eventType, _ := data["type"].(string)
	if eventType == "" {
		eventType = "unknown"
	}
	now := nowUTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_events (session_id, event_id, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, eventID, eventType, string(payload), now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_event_at = ?, updated_at = ? WHERE id = ?`,
		now, now, sessionID); err != nil {
		return err
	}
	// Retention cap: keep only the newest maxEvents rows per session.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = ? AND event_id NOT IN (
			SELECT event_id FROM session_events WHERE session_id = ? ORDER BY event_id DESC LIMIT ?
		)`,
		sessionID, sessionID, s.maxEvents); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetEventsSince(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 500
	}
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads,
		`SELECT data FROM session_events WHERE session_id = ? AND event_id > ?
		 ORDER BY event_id ASC LIMIT ?`,
		sessionID, afterEventID, limit)
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(payloads))
	for _, payload := range payloads {
		var event map[string]any
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, sessionID string, upToEventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = ? AND event_id <= ?`,
		sessionID, upToEventID)
	return err
}

func (s *SQLiteStore) ClearEvents(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET cli_session_id = ? WHERE session_id = ? AND agent_name = ?`,
		cliSessionID, sessionID, agentName)
	return err
}

func (s *SQLiteStore) GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error) {
	var rows []struct {
		AgentName    string         `db:"agent_name"`
		CLISessionID sql.NullString `db:"cli_session_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT agent_name, cli_session_id FROM agent_state WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.AgentName] = row.CLISessionID.String
	}
	return out, nil
}

func (s *SQLiteStore) AddAgentState(ctx context.Context, sessionID, agentName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_state (session_id, agent_name) VALUES (?, ?)`,
		sessionID, agentName)
	return err
}

func (s *SQLiteStore) RemoveAgentState(ctx context.Context, sessionID, agentName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_state WHERE session_id = ? AND agent_name = ?`,
		sessionID, agentName)
	return err
}

func (s *SQLiteStore) SaveCard(ctx context.Context, sessionID string, card *cards.Card) error {
	history, err := json.Marshal(card.History)
	if err != nil {
		return err
	}
	createdAt := card.CreatedAt
	if createdAt == "" {
		createdAt = nowUTC()
	}
	var previous sql.NullString
	if card.PreviousPhase != "" {
		previous = sql.NullString{String: string(card.PreviousPhase), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cards
		 (id, session_id, title, description, status, planner, implementer, reviewer,
		  coordinator, coordination_stage, previous_phase, history, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, sessionID, card.Title, card.Description, string(card.Status),
		card.Planner, card.Implementer, card.Reviewer, card.Coordinator,
		card.CoordinationStage, previous, string(history), createdAt)
	return err
}

func (s *SQLiteStore) GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error) {
	var rows []struct {
		ID                string         `db:"id"`
		Title             string         `db:"title"`
		Description       string         `db:"description"`
		Status            string         `db:"status"`
		Planner           string         `db:"planner"`
		Implementer       string         `db:"implementer"`
		Reviewer          string         `db:"reviewer"`
		Coordinator       string         `db:"coordinator"`
		CoordinationStage string         `db:"coordination_stage"`
		PreviousPhase     sql.NullString `db:"previous_phase"`
		History           string         `db:"history"`
		CreatedAt         string         `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, description, status, planner, implementer, reviewer,
		        coordinator, coordination_stage, previous_phase, history, created_at
		 FROM cards WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*cards.Card, 0, len(rows))
	for _, row := range rows {
		var history []cards.CardPhaseEntry
		if err := json.Unmarshal([]byte(row.History), &history); err != nil {
			history = nil
		}
		out = append(out, &cards.Card{
			ID:                row.ID,
			Title:             row.Title,
			Description:       row.Description,
			Status:            cards.CardStatus(row.Status),
			Planner:           row.Planner,
			Implementer:       row.Implementer,
			Reviewer:          row.Reviewer,
			Coordinator:       row.Coordinator,
			CoordinationStage: row.CoordinationStage,
			PreviousPhase:     cards.CardStatus(row.PreviousPhase.String),
			History:           history,
			CreatedAt:         row.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cards WHERE id = ? AND session_id = ?`, cardID, sessionID)
	return err
}
