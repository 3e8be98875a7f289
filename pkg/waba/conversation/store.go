// Package conversation persists per-user chat history and the queue of
// inbound messages that still await a reply.
//
// Both live in the same database: chat_history is append-only, and every
// inbound message is mirrored into pending_msgs until an aggregation cycle
// marks it processed.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jchavesmartinez/waba/pkg/waba/database"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one stored utterance.
type Turn struct {
	ID      int64  `json:"id"`
	UserID  string `json:"user_id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// Message is the role/content pair handed to the language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PendingEntry is an inbound message not yet answered.
type PendingEntry struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	TS        int64  `json:"ts"`
	Processed bool   `json:"processed"`
}

// UserSummary describes one user's activity.
type UserSummary struct {
	UserID string `json:"user_id"`
	Turns  int    `json:"turns"`
	LastTS int64  `json:"last_ts"`
}

// Store implements both the conversation history and the pending queue.
// It is safe for concurrent use; ordering within a user is the caller's
// responsibility.
type Store struct {
	db      *sql.DB
	backend database.BackendType
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a store over an already-migrated database.
func New(db *sql.DB, backend database.BackendType, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// NewFromBackend is a convenience wrapper around New.
func NewFromBackend(b *database.Backend, logger *slog.Logger) *Store {
	return New(b.DB, b.Type, logger)
}

func (s *Store) q(query string) string {
	return database.Rebind(s.backend, query)
}

// Append stores a single turn. There is no deduplication.
func (s *Store) Append(ctx context.Context, userID string, role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("append turn: unknown role %q", role)
	}
	turn := Turn{UserID: userID, Role: role, Content: content, TS: s.now().Unix()}

	err := s.db.QueryRowContext(ctx,
		s.q("INSERT INTO chat_history (user_id, role, content, ts) VALUES (?, ?, ?, ?) RETURNING id"),
		turn.UserID, string(turn.Role), turn.Content, turn.TS,
	).Scan(&turn.ID)
	if err != nil {
		s.logger.Error("failed to append turn", "user", userID, "role", role, "error", err)
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

// Enqueue records an inbound message as a user turn and as a pending entry,
// in one transaction and with the same timestamp.
func (s *Store) Enqueue(ctx context.Context, userID, content string) (PendingEntry, error) {
	entry := PendingEntry{UserID: userID, Content: content, TS: s.now().Unix()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q("INSERT INTO chat_history (user_id, role, content, ts) VALUES (?, ?, ?, ?)"),
		userID, string(RoleUser), content, entry.TS,
	); err != nil {
		return PendingEntry{}, fmt.Errorf("insert user turn: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		s.q("INSERT INTO pending_msgs (user_id, content, ts, processed) VALUES (?, ?, ?, 0) RETURNING id"),
		userID, content, entry.TS,
	).Scan(&entry.ID); err != nil {
		return PendingEntry{}, fmt.Errorf("insert pending entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PendingEntry{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return entry, nil
}

// FetchUnprocessed returns the user's unprocessed entries, oldest first.
// An empty result is not an error.
func (s *Store) FetchUnprocessed(ctx context.Context, userID string) ([]PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, content, ts
		FROM pending_msgs
		WHERE user_id = ? AND processed = 0
		ORDER BY ts ASC, id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var e PendingEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &e.TS); err != nil {
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// CountUnprocessed returns how many entries await a reply.
func (s *Store) CountUnprocessed(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM pending_msgs WHERE user_id = ? AND processed = 0"), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// MarkProcessed flags every currently unprocessed entry of the user.
// Calling it again is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE pending_msgs SET processed = 1 WHERE user_id = ? AND processed = 0"), userID)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return res.RowsAffected()
}

// MarkProcessedIDs flags only the listed entries. Entries that arrived
// after they were fetched stay pending for the next cycle.
func (s *Store) MarkProcessedIDs(ctx context.Context, userID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	res, err := s.db.ExecContext(ctx, s.q(
		"UPDATE pending_msgs SET processed = 1 WHERE user_id = ? AND processed = 0 AND id IN ("+marks+")"),
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return res.RowsAffected()
}

// PurgeProcessed deletes processed entries older than before. History is
// never touched.
func (s *Store) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM pending_msgs WHERE processed = 1 AND ts < ?"), before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge processed: %w", err)
	}
	return res.RowsAffected()
}

// RecentHistory returns a bounded slice of the user's most recent turns in
// chronological order.
//
// At most maxTurns turns are considered. Walking from newest to oldest,
// turns are kept while their cumulative character count stays within
// maxChars; the newest turn is always kept even if it alone exceeds the
// budget.
func (s *Store) RecentHistory(ctx context.Context, userID string, maxChars, maxTurns int) ([]Message, error) {
	if maxTurns <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT role, content
		FROM chat_history
		WHERE user_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`), userID, maxTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var (
		newestFirst []Message
		total       int
	)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		n := utf8.RuneCountInString(m.Content)
		if len(newestFirst) > 0 && total+n > maxChars {
			break
		}
		total += n
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

// History returns up to limit of the user's latest turns, oldest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, role, content, ts
		FROM chat_history
		WHERE user_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &role, &t.Content, &t.TS); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Users lists users ordered by most recent activity.
func (s *Store) Users(ctx context.Context, limit int) ([]UserSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, COUNT(*), MAX(ts)
		FROM chat_history
		GROUP BY user_id
		ORDER BY MAX(ts) DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []UserSummary
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.UserID, &u.Turns, &u.LastTS); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
