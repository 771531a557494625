// Package token mints the proxy's credentials: opaque session tokens
// carried in cookies and signed bearer tokens issued on wallet upgrade.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid bearer token")

const alphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionToken returns an unguessable session token: the SHA-256 of the
// current nanosecond timestamp joined with 32 random alphanumerics,
// rendered as 64 lowercase hex characters.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphanum[int(b)%len(alphanum)]
	}
	seed := fmt.Sprintf("%d-%s", time.Now().UnixNano(), buf)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]), nil
}

// Identity is the subject a validated bearer token attests.
type Identity struct {
	ClientID uuid.UUID
	Wallet   string
}

// BearerClaims are the claims carried by an upgrade bearer token.
type BearerClaims struct {
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

// Service issues and validates bearer tokens with a process-wide
// symmetric secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a bearer token service. ttl bounds token lifetime
// (exp = iat + ttl).
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a bearer token binding the client id to a wallet address.
func (s *Service) Issue(clientID uuid.UUID, wallet string) (string, error) {
	now := s.now()
	claims := &BearerClaims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks a bearer token's signature, algorithm, expiry, and
// subject, and returns the identity it carries. A token presented at or
// past its exp is rejected.
func (s *Service) Validate(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &BearerClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	clientID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{ClientID: clientID, Wallet: claims.Wallet}, nil
}
