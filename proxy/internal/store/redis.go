package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sploots-ai/sploots/proxy/internal/token"
)

const (
	redisSessionPrefix = "sploots:session:"
	redisClientPrefix  = "sploots:client:"
)

// RedisStore persists sessions in Redis with native key expiry. Because
// Redis drops expired keys itself, expired sessions surface as ErrNotFound
// rather than ErrExpired.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedis connects to Redis. The DSN may be a redis:// URL or a bare
// host:port address.
func NewRedis(dsn string, ttl time.Duration) (*RedisStore, error) {
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: dsn}
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}, nil
}

func (r *RedisStore) sessionKey(tok string) string { return redisSessionPrefix + tok }

func (r *RedisStore) clientKey(id uuid.UUID) string { return redisClientPrefix + id.String() }

// write stores the session JSON and refreshes both keys' TTLs.
func (r *RedisStore) write(ctx context.Context, sess *ClientSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, r.sessionKey(sess.SessionToken), data, r.ttl).Err(); err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.clientKey(sess.ClientID), sess.SessionToken, r.ttl).Err()
}

func (r *RedisStore) read(ctx context.Context, tok string) (*ClientSession, error) {
	data, err := r.rdb.Get(ctx, r.sessionKey(tok)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess ClientSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (r *RedisStore) RegisterAnonymous(ctx context.Context) (*ClientSession, error) {
	tok, err := token.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	sess := &ClientSession{
		ClientID:     uuid.New(),
		SessionToken: tok,
		CreatedAt:    now,
		LastActive:   now,
	}
	if err := r.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) GetByToken(ctx context.Context, tok string) (*ClientSession, error) {
	sess, err := r.read(ctx, tok)
	if err != nil {
		return nil, err
	}
	sess.LastActive = r.now().UTC()
	if err := r.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) GetByClient(ctx context.Context, clientID uuid.UUID) (*ClientSession, error) {
	tok, err := r.rdb.Get(ctx, r.clientKey(clientID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetByToken(ctx, tok)
}

func (r *RedisStore) Touch(ctx context.Context, tok string) error {
	sess, err := r.read(ctx, tok)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	sess.LastActive = r.now().UTC()
	return r.write(ctx, sess)
}

func (r *RedisStore) Update(ctx context.Context, tok string, patch Patch) (*ClientSession, error) {
	sess, err := r.read(ctx, tok)
	if err != nil {
		return nil, err
	}
	applyPatch(sess, patch)
	sess.LastActive = r.now().UTC()
	if err := r.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) Invalidate(ctx context.Context, tok string) (bool, error) {
	sess, err := r.read(ctx, tok)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.rdb.Del(ctx, r.sessionKey(tok), r.clientKey(sess.ClientID)).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// ReapExpired is a no-op: Redis evicts expired keys natively.
func (r *RedisStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
