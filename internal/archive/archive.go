// Package archive keeps canonical session history in SQLite and serves it
// through the chat.history contract, so the console can run against a local
// archive instead of a live gateway.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fakeyudi/agentconsole/internal/gateway"
)

// InMemory is the data source name for a throwaway archive.
const InMemory = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	session_key TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT    NOT NULL,
	content     BLOB    NOT NULL,
	ts          INTEGER,
	PRIMARY KEY (session_key, seq)
);
CREATE TABLE IF NOT EXISTS latest_updates (
	agent_id   TEXT PRIMARY KEY,
	text       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// ErrClosed is returned by every call after Close.
var ErrClosed = fmt.Errorf("archive closed: %w", gateway.ErrDisconnected)

// Archive is a SQLite-backed history store. It is safe for concurrent use.
type Archive struct {
	mu     sync.RWMutex
	db     *sql.DB
	log    *zap.Logger
	closed bool
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Archive) {
		if log != nil {
			a.log = log
		}
	}
}

// Open opens (creating if needed) the archive at path. An empty path or
// InMemory keeps everything in memory.
func Open(path string, opts ...Option) (*Archive, error) {
	if path == "" {
		path = InMemory
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	a := &Archive{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("archive")
	a.log.Debug("archive opened", zap.String("path", path))
	return a, nil
}

// Close releases the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// Put stores msg at position seq of the session. Storing the same position
// twice keeps the first message.
func (a *Archive) Put(ctx context.Context, sessionKey string, seq int, msg gateway.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.putLocked(ctx, sessionKey, seq, msg)
}

func (a *Archive) putLocked(ctx context.Context, sessionKey string, seq int, msg gateway.Message) error {
	content := []byte(msg.Content)
	if content == nil {
		content = []byte("null")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (session_key, seq, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		sessionKey, seq, msg.Role, content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store message %s#%d: %w", sessionKey, seq, err)
	}
	return nil
}

// Append stores msgs after the last message of the session.
func (a *Archive) Append(ctx context.Context, sessionKey string, msgs ...gateway.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	var next sql.NullInt64
	if err := a.db.QueryRowContext(ctx,
		`SELECT MAX(seq) + 1 FROM messages WHERE session_key = ?`, sessionKey,
	).Scan(&next); err != nil {
		return fmt.Errorf("next position for %s: %w", sessionKey, err)
	}
	seq := int(next.Int64)
	for _, m := range msgs {
		if err := a.putLocked(ctx, sessionKey, seq, m); err != nil {
			return err
		}
		seq++
	}
	a.log.Debug("messages appended", zap.String("session", sessionKey), zap.Int("count", len(msgs)))
	return nil
}

// ChatHistory returns the newest req.Limit messages of the session, oldest
// first. An unknown session has an empty history.
func (a *Archive) ChatHistory(ctx context.Context, req gateway.HistoryRequest) (gateway.HistoryResponse, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return gateway.HistoryResponse{}, ErrClosed
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT role, content, ts FROM (
			SELECT seq, role, content, ts FROM messages
			WHERE session_key = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		req.SessionKey, limit,
	)
	if err != nil {
		return gateway.HistoryResponse{}, fmt.Errorf("query history for %s: %w", req.SessionKey, err)
	}
	defer rows.Close()

	resp := gateway.HistoryResponse{SessionKey: req.SessionKey, Messages: []gateway.Message{}}
	for rows.Next() {
		var (
			m       gateway.Message
			content []byte
			ts      sql.NullInt64
		)
		if err := rows.Scan(&m.Role, &content, &ts); err != nil {
			return gateway.HistoryResponse{}, fmt.Errorf("scan history row: %w", err)
		}
		m.Content = content
		if ts.Valid {
			v := ts.Int64
			m.Timestamp = &v
		}
		resp.Messages = append(resp.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return gateway.HistoryResponse{}, fmt.Errorf("read history for %s: %w", req.SessionKey, err)
	}
	a.log.Debug("history served", zap.String("session", req.SessionKey), zap.Int("limit", limit), zap.Int("count", len(resp.Messages)))
	return resp, nil
}

// Count returns the number of messages stored for the session.
func (a *Archive) Count(ctx context.Context, sessionKey string) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrClosed
	}
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_key = ?`, sessionKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", sessionKey, err)
	}
	return n, nil
}

// SetLatestUpdate records the newest heartbeat or cron digest for agentID.
func (a *Archive) SetLatestUpdate(ctx context.Context, agentID, text string, atMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO latest_updates (agent_id, text, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at
		 WHERE excluded.updated_at >= latest_updates.updated_at`,
		agentID, text, atMs,
	)
	if err != nil {
		return fmt.Errorf("store latest update for %s: %w", agentID, err)
	}
	return nil
}

// LatestUpdate returns the digest recorded for agentID, or "" when there is
// none.
func (a *Archive) LatestUpdate(ctx context.Context, agentID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return "", ErrClosed
	}
	var text string
	err := a.db.QueryRowContext(ctx, `SELECT text FROM latest_updates WHERE agent_id = ?`, agentID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load latest update for %s: %w", agentID, err)
	}
	return text, nil
}
