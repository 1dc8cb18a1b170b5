// Package identity verifies caller bearer tokens issued by the storefront's
// auth provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/fx"
)

// Subject is the verified caller.
type Subject struct {
	ID    string
	Email string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Subject, error)
}

var ErrInvalidToken = errors.New("invalid identity token")

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with the shared secret. Issuer and
// audience are checked only when configured.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	clock    clock.Clock
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
}

func NewJWTVerifier(p Params) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(p.Cfg.AuthJWTSecret),
		issuer:   p.Cfg.AuthJWTIssuer,
		audience: p.Cfg.AuthJWTAudience,
		clock:    p.Clock,
	}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(v.secret) == 0 {
		return Subject{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.clock.Now() }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Subject{}, ErrInvalidToken
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Subject{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return Subject{ID: sub, Email: strings.TrimSpace(claims.Email)}, nil
}

// Sign issues a token for subject. Used by operators and tests to mint
// tokens against the shared secret.
func Sign(secret string, subject Subject, issuer string, expiresAt time.Time) (string, error) {
	claims := Claims{
		Email: subject.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var Module = fx.Module("identity",
	fx.Provide(NewJWTVerifier),
	fx.Provide(func(v *JWTVerifier) Verifier { return v }),
)
