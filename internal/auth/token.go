// Package auth issues and verifies the bearer tokens clients present in REGISTER.
// Tokens are HS256 JWTs scoped to one project and optionally one client type.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

const issuer = "sentinel"

// Claims binds a token to a project. An empty ClientType admits any client type.
type Claims struct {
	Project    string            `json:"project"`
	ClientType models.ClientType `json:"client_type,omitempty"`
	jwt.RegisteredClaims
}

// Authority signs and checks tokens with a shared secret.
type Authority struct {
	secret []byte
	now    func() time.Time
}

// New returns an Authority for secret. The secret must not be empty.
func New(secret string) (*Authority, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty JWT secret", serrors.ErrInvalidConfig)
	}
	return &Authority{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates a token for projectID. A zero ttl yields a token without expiry.
func (a *Authority) Issue(projectID string, clientType models.ClientType, ttl time.Duration) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("%w: token needs a project", serrors.ErrInvalidConfig)
	}
	now := a.now()
	claims := Claims{
		Project:    projectID,
		ClientType: clientType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and scope of token. All failures wrap
// ErrUnauthorized.
func (a *Authority) Verify(token, projectID string, clientType models.ClientType) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", serrors.ErrUnauthorized)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrUnauthorized, err)
	}
	if claims.Project != projectID {
		return fmt.Errorf("%w: token is scoped to project %q", serrors.ErrUnauthorized, claims.Project)
	}
	if claims.ClientType != "" && claims.ClientType != clientType {
		return fmt.Errorf("%w: token is scoped to %s clients", serrors.ErrUnauthorized, claims.ClientType)
	}
	return nil
}
