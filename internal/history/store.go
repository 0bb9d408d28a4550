// Package history persists conversation state: the append-only per-chat
// message log, user profiles and notes, per-chat settings, and the tool
// execution audit log. It also builds the per-request model input from
// that state (see manager.go).
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ocelotbot/ocelot/pkg/models"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("history: not found")

// Store is the embedded SQLite store. One Store (one connection pool of
// size 1) is shared by the whole process; SQLite's own locking plus the
// single connection serialize writers. Message entries are append-only:
// there is no update path and the only delete is a full-chat clear.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// StoreConfig configures the history store.
type StoreConfig struct {
	// Path is the SQLite database file path. Empty means in-memory,
	// which is what the tests use.
	Path string

	// BusyTimeout bounds how long a writer waits on contention before
	// failing. Default: 5 seconds.
	BusyTimeout time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// NewStore opens the database, applies pragmas (WAL journal, foreign
// keys, busy timeout) and creates the schema.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One shared connection: callers must not assume read-your-write
	// across independent connections, so we do not hand out more than one.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: cfg.Logger}
	if err := s.init(cfg.BusyTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(busyTimeout time.Duration) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id INTEGER PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			last_seen DATETIME NOT NULL,
			avatar_id TEXT,
			avatar_description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			parts_json TEXT NOT NULL,
			user_id INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS user_notes (
			user_id INTEGER NOT NULL REFERENCES user_profiles(user_id) ON DELETE CASCADE,
			category TEXT NOT NULL,
			value_json TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_notes_unique ON user_notes(user_id, lower(category))`,
		`CREATE TABLE IF NOT EXISTS chat_settings (
			chat_id INTEGER PRIMARY KEY,
			custom_prompt TEXT NOT NULL DEFAULT '',
			ai_mode TEXT NOT NULL DEFAULT 'default',
			model_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			user_id INTEGER,
			created_at DATETIME NOT NULL,
			tool_name TEXT NOT NULL,
			args_json TEXT,
			status TEXT NOT NULL,
			return_code INTEGER,
			result_message TEXT,
			stdout TEXT,
			stderr TEXT,
			full_result_json TEXT,
			trigger_message_id INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_executions_chat ON tool_executions(chat_id, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close checkpoints the WAL and closes the database. Called once at
// shutdown to bound WAL size on disk.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("wal checkpoint failed on close", "error", err)
	}
	return s.db.Close()
}

// AppendMessage appends one conversation entry and returns its row id.
// A zero CreatedAt is stamped with the current time.
func (s *Store) AppendMessage(ctx context.Context, e *models.Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (chat_id, role, parts_json, user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ChatID, string(e.Role), e.PartsJSON, e.UserID, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return res.LastInsertId()
}

// LastMessages returns up to n most recent entries for a chat, ordered
// oldest to newest.
func (s *Store) LastMessages(ctx context.Context, chatID int64, n int) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, parts_json, user_id, created_at
		 FROM chat_messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`,
		chatID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		var e models.Entry
		var role string
		if err := rows.Scan(&e.ID, &e.ChatID, &role, &e.PartsJSON, &e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		e.Role = models.Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ClearChat removes every message entry for a chat.
func (s *Store) ClearChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to clear chat: %w", err)
	}
	return nil
}

// UpsertProfile inserts or refreshes a user profile. Name fields
// overwrite; avatar fields are preserved when the incoming value is
// empty so a plain text message does not erase them.
func (s *Store) UpsertProfile(ctx context.Context, p *models.UserProfile) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, username, first_name, last_name, last_seen, avatar_id, avatar_description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			last_seen = excluded.last_seen,
			avatar_id = CASE WHEN excluded.avatar_id != '' THEN excluded.avatar_id ELSE user_profiles.avatar_id END,
			avatar_description = CASE WHEN excluded.avatar_description != '' THEN excluded.avatar_description ELSE user_profiles.avatar_description END`,
		p.UserID, p.Username, p.FirstName, p.LastName, p.LastSeen, p.AvatarID, p.AvatarDescription,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// Profile fetches a user profile. Returns ErrNotFound for unknown users.
func (s *Store) Profile(ctx context.Context, userID int64) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, first_name, last_name, last_seen, avatar_id, avatar_description
		 FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Username, &p.FirstName, &p.LastName, &p.LastSeen, &p.AvatarID, &p.AvatarDescription)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return &p, nil
}

// UpsertNote stores a categorized user note. With merge=true and both
// the stored and incoming values being lists, the result is the union
// of elements by canonical JSON identity; with both being maps, the
// incoming keys win. Any other combination overwrites.
//
// Notes reference profiles by foreign key, so the profile must exist.
func (s *Store) UpsertNote(ctx context.Context, note *models.UserNote, merge bool) error {
	value := note.Value
	if merge {
		existing, err := s.noteValue(ctx, note.UserID, note.Category)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			value = mergeNoteValues(existing, note.Value)
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode note value: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_notes (user_id, category, value_json) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, lower(category)) DO UPDATE SET
			category = excluded.category,
			value_json = excluded.value_json`,
		note.UserID, note.Category, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}
	return nil
}

func (s *Store) noteValue(ctx context.Context, userID int64, category string) (any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM user_notes WHERE user_id = ? AND lower(category) = lower(?)`,
		userID, category,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query note: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode note value: %w", err)
	}
	return value, nil
}

// mergeNoteValues implements the merge=true semantics: list union by
// canonical JSON identity, map update with incoming keys winning.
func mergeNoteValues(existing, incoming any) any {
	if oldList, ok := existing.([]any); ok {
		newList, ok := asList(incoming)
		if !ok {
			return incoming
		}
		seen := make(map[string]bool, len(oldList))
		merged := make([]any, 0, len(oldList)+len(newList))
		for _, item := range oldList {
			merged = append(merged, item)
			seen[canonicalJSON(item)] = true
		}
		for _, item := range newList {
			if key := canonicalJSON(item); !seen[key] {
				seen[key] = true
				merged = append(merged, item)
			}
		}
		return merged
	}
	if oldMap, ok := existing.(map[string]any); ok {
		newMap, ok := incoming.(map[string]any)
		if !ok {
			return incoming
		}
		merged := make(map[string]any, len(oldMap)+len(newMap))
		for k, v := range oldMap {
			merged[k] = v
		}
		for k, v := range newMap {
			merged[k] = v
		}
		return merged
	}
	return incoming
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	return nil, false
}

func canonicalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// Notes returns all notes for a user ordered by category.
func (s *Store) Notes(ctx context.Context, userID int64) ([]models.UserNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, category, value_json FROM user_notes WHERE user_id = ? ORDER BY lower(category)`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []models.UserNote
	for rows.Next() {
		var n models.UserNote
		var raw string
		if err := rows.Scan(&n.UserID, &n.Category, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &n.Value); err != nil {
			s.log.Warn("skipping undecodable note", "user_id", userID, "category", n.Category, "error", err)
			continue
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote removes an entire note category for a user.
func (s *Store) DeleteNote(ctx context.Context, userID int64, category string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_notes WHERE user_id = ? AND lower(category) = lower(?)`,
		userID, category,
	)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNoteNested removes one element inside a structured note: for a
// map value the key is deleted; for a list value, elements equal to the
// target (by canonical JSON, or by string match for scalars) are
// removed. If the note becomes empty it is deleted outright.
func (s *Store) DeleteNoteNested(ctx context.Context, userID int64, category, target string) error {
	value, err := s.noteValue(ctx, userID, category)
	if err != nil {
		return err
	}

	switch v := value.(type) {
	case map[string]any:
		if _, ok := v[target]; !ok {
			return ErrNotFound
		}
		delete(v, target)
		if len(v) == 0 {
			return s.DeleteNote(ctx, userID, category)
		}
		return s.UpsertNote(ctx, &models.UserNote{UserID: userID, Category: category, Value: v}, false)
	case []any:
		kept := make([]any, 0, len(v))
		for _, item := range v {
			if canonicalJSON(item) == target || fmt.Sprintf("%v", item) == target {
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == len(v) {
			return ErrNotFound
		}
		if len(kept) == 0 {
			return s.DeleteNote(ctx, userID, category)
		}
		return s.UpsertNote(ctx, &models.UserNote{UserID: userID, Category: category, Value: kept}, false)
	default:
		return fmt.Errorf("note %q is not a structured value", category)
	}
}

// UpsertChatSettings stores per-chat settings.
func (s *Store) UpsertChatSettings(ctx context.Context, cs *models.ChatSettings) error {
	if cs.AIMode == "" {
		cs.AIMode = models.AIModeDefault
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_settings (chat_id, custom_prompt, ai_mode, model_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			custom_prompt = excluded.custom_prompt,
			ai_mode = excluded.ai_mode,
			model_name = excluded.model_name`,
		cs.ChatID, cs.CustomPrompt, string(cs.AIMode), cs.ModelName,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chat settings: %w", err)
	}
	return nil
}

// ChatSettingsFor fetches settings for a chat, default-constructing
// them on first use.
func (s *Store) ChatSettingsFor(ctx context.Context, chatID int64) (*models.ChatSettings, error) {
	var cs models.ChatSettings
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, custom_prompt, ai_mode, model_name FROM chat_settings WHERE chat_id = ?`,
		chatID,
	).Scan(&cs.ChatID, &cs.CustomPrompt, &mode, &cs.ModelName)
	if errors.Is(err, sql.ErrNoRows) {
		cs = models.ChatSettings{ChatID: chatID, AIMode: models.AIModeDefault}
		if err := s.UpsertChatSettings(ctx, &cs); err != nil {
			return nil, err
		}
		return &cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat settings: %w", err)
	}
	cs.AIMode = models.AIMode(mode)
	return &cs, nil
}

// AppendToolExecution records one tool handler invocation.
func (s *Store) AppendToolExecution(ctx context.Context, te *models.ToolExecution) (int64, error) {
	if te.CreatedAt.IsZero() {
		te.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_executions
			(chat_id, user_id, created_at, tool_name, args_json, status, return_code,
			 result_message, stdout, stderr, full_result_json, trigger_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		te.ChatID, te.UserID, te.CreatedAt, te.ToolName, te.ArgsJSON, string(te.Status),
		te.ReturnCode, te.ResultMessage, te.Stdout, te.Stderr, te.FullResultJSON, te.TriggerMessageID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append tool execution: %w", err)
	}
	return res.LastInsertId()
}

// RecentToolExecutions returns the last k tool executions for a chat,
// oldest to newest. Tools listed in exclude are skipped before the
// limit is applied.
func (s *Store) RecentToolExecutions(ctx context.Context, chatID int64, k int, exclude ...string) ([]models.ToolExecution, error) {
	query := `SELECT id, chat_id, user_id, created_at, tool_name, args_json, status, return_code,
			result_message, stdout, stderr, full_result_json, trigger_message_id
		 FROM tool_executions WHERE chat_id = ?`
	args := []any{chatID}
	if len(exclude) > 0 {
		query += ` AND tool_name NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, name := range exclude {
			args = append(args, name)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool executions: %w", err)
	}
	defer rows.Close()

	var execs []models.ToolExecution
	for rows.Next() {
		var te models.ToolExecution
		var status string
		var argsJSON, resultMessage, stdout, stderr, fullResult sql.NullString
		if err := rows.Scan(&te.ID, &te.ChatID, &te.UserID, &te.CreatedAt, &te.ToolName, &argsJSON,
			&status, &te.ReturnCode, &resultMessage, &stdout, &stderr, &fullResult, &te.TriggerMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		te.Status = models.ToolStatus(status)
		te.ArgsJSON = argsJSON.String
		te.ResultMessage = resultMessage.String
		te.Stdout = stdout.String
		te.Stderr = stderr.String
		te.FullResultJSON = fullResult.String
		execs = append(execs, te)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
	return execs, nil
}
