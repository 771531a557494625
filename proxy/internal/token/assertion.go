package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidAssertion = errors.New("invalid wallet assertion")

// AssertionVerifier validates wallet-ownership assertions minted by an
// external wallet service, using that service's published JWKS.
type AssertionVerifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewAssertionVerifier fetches the issuer's JWKS and keeps it refreshed
// in the background.
func NewAssertionVerifier(issuer, jwksURL string) (*AssertionVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("assertion issuer is required")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &AssertionVerifier{issuer: issuer, jwks: jwks}, nil
}

// Verify checks an assertion and returns the wallet address it attests.
func (v *AssertionVerifier) Verify(ctx context.Context, assertion string) (string, error) {
	token, err := jwt.Parse(assertion, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", ErrInvalidAssertion
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidAssertion
	}
	wallet, _ := claims["wallet"].(string)
	if wallet == "" {
		return "", ErrInvalidAssertion
	}
	return wallet, nil
}
