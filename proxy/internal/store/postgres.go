package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sploots-ai/sploots/proxy/internal/token"
)

// PostgresStore persists sessions in PostgreSQL for multi-instance proxies.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(dsn string, ttl time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_token TEXT PRIMARY KEY,
			client_id TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_active TIMESTAMPTZ NOT NULL,
			is_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			wallet_address TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'
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

const pgSelect = `SELECT session_token, client_id, created_at, last_active,
	is_authenticated, wallet_address, metadata FROM sessions`

func scanPgSession(row *sql.Row) (*ClientSession, error) {
	var (
		sess     ClientSession
		clientID string
		wallet   sql.NullString
		metadata []byte
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
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("parse stored metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) RegisterAnonymous(ctx context.Context) (*ClientSession, error) {
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
		 VALUES ($1, $2, $3, $4, FALSE, NULL, '{}')`,
		sess.SessionToken, sess.ClientID.String(), sess.CreatedAt, sess.LastActive,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) GetByToken(ctx context.Context, tok string) (*ClientSession, error) {
	sess, err := scanPgSession(s.db.QueryRowContext(ctx, pgSelect+" WHERE session_token = $1", tok))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if expired(sess.LastActive, now, s.ttl) {
		return nil, ErrExpired
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = $1 WHERE session_token = $2", now, tok); err != nil {
		return nil, err
	}
	sess.LastActive = now
	return sess, nil
}

func (s *PostgresStore) GetByClient(ctx context.Context, clientID uuid.UUID) (*ClientSession, error) {
	sess, err := scanPgSession(s.db.QueryRowContext(ctx, pgSelect+" WHERE client_id = $1", clientID.String()))
	if err != nil {
		return nil, err
	}
	return s.GetByToken(ctx, sess.SessionToken)
}

func (s *PostgresStore) Touch(ctx context.Context, tok string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = $1 WHERE session_token = $2", s.now().UTC(), tok)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, tok string, patch Patch) (*ClientSession, error) {
	sess, err := scanPgSession(s.db.QueryRowContext(ctx, pgSelect+" WHERE session_token = $1", tok))
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
		`UPDATE sessions SET is_authenticated = $1, wallet_address = $2, metadata = $3, last_active = $4
		 WHERE session_token = $5`,
		sess.IsAuthenticated, wallet, metadata, sess.LastActive, tok,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) Invalidate(ctx context.Context, tok string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_token = $1", tok)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_active < $1", now.UTC().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
