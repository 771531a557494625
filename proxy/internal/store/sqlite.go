package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sploots-ai/sploots/proxy/internal/token"
)

// SQLiteStore persists sessions in SQLite so they survive proxy restarts.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLite opens (or creates) a SQLite session database and runs migrations.
func NewSQLite(dsn string, ttl time.Duration) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_token TEXT PRIMARY KEY,
			client_id TEXT UNIQUE NOT NULL,
			created_at DATETIME NOT NULL,
			last_active DATETIME NOT NULL,
			is_authenticated INTEGER NOT NULL DEFAULT 0,
			wallet_address TEXT,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

const sqliteSelect = `SELECT session_token, client_id, created_at, last_active,
	is_authenticated, wallet_address, metadata FROM sessions`

func scanSession(row *sql.Row) (*ClientSession, error) {
	var (
		sess     ClientSession
		clientID string
		wallet   sql.NullString
		metadata string
	)
	err := row.Scan(&sess.SessionToken, &clientID, &sess.CreatedAt,
		&sess.LastActive, &sess.IsAuthenticated, &wallet, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("parse stored client id: %w", err)
	}
	sess.ClientID = id
	if wallet.Valid {
		sess.WalletAddress = &wallet.String
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("parse stored metadata: %w", err)
		}
	}
	return &sess, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func (s *SQLiteStore) RegisterAnonymous(ctx context.Context) (*ClientSession, error) {
	tok, err := token.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &ClientSession{
		ClientID:     uuid.New(),
		SessionToken: tok,
		CreatedAt:    now,
		LastActive:   now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_token, client_id, created_at, last_active, is_authenticated, wallet_address, metadata)
		 VALUES (?, ?, ?, ?, 0, NULL, '{}')`,
		sess.SessionToken, sess.ClientID.String(), sess.CreatedAt, sess.LastActive,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetByToken(ctx context.Context, tok string) (*ClientSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE session_token = ?", tok))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if expired(sess.LastActive, now, s.ttl) {
		return nil, ErrExpired
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = ? WHERE session_token = ?", now, tok); err != nil {
		return nil, err
	}
	sess.LastActive = now
	return sess, nil
}

func (s *SQLiteStore) GetByClient(ctx context.Context, clientID uuid.UUID) (*ClientSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE client_id = ?", clientID.String()))
	if err != nil {
		return nil, err
	}
	return s.GetByToken(ctx, sess.SessionToken)
}

func (s *SQLiteStore) Touch(ctx context.Context, tok string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = ? WHERE session_token = ?", s.now().UTC(), tok)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, tok string, patch Patch) (*ClientSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE session_token = ?", tok))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if expired(sess.LastActive, now, s.ttl) {
		return nil, ErrExpired
	}

	applyPatch(sess, patch)
	sess.LastActive = now
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return nil, err
	}
	var wallet sql.NullString
	if sess.WalletAddress != nil {
		wallet = sql.NullString{String: *sess.WalletAddress, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET is_authenticated = ?, wallet_address = ?, metadata = ?, last_active = ?
		 WHERE session_token = ?`,
		sess.IsAuthenticated, wallet, metadata, sess.LastActive, tok,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Invalidate(ctx context.Context, tok string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_token = ?", tok)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_active < ?", now.UTC().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
