package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAccessTTL = time.Hour

type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Claims is the verified payload of an access token.
type Claims struct {
	Subject   string
	Roles     []string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies HS256 access tokens. It holds no mutable state.
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenCodec(cfg TokenConfig) *TokenCodec {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}

	return &TokenCodec{
		secret:   []byte(cfg.Secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *TokenCodec) WithClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

func (c *TokenCodec) Issue(subject string, roles []string, now time.Time) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, fmt.Errorf("issue token: empty subject")
	}

	// NumericDate carries whole seconds, so the TTL runs from the truncated
	// instant and ExpiresAt is exactly what Verify compares against.
	now = now.UTC().Truncate(time.Second)
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(c.ttl))
	claims := tokenClaims{
		Roles: slices.Clone(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{
		Raw:       encoded,
		Subject:   subject,
		Roles:     claims.Roles,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// Verify fails with ErrInvalidToken for every rejection cause.
func (c *TokenCodec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		Issuer:  claims.Issuer,
	}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	out.ExpiresAt = claims.ExpiresAt.Time

	return out, nil
}

// SubjectOf reads the subject without checking the signature. Never use it for authorization.
func (c *TokenCodec) SubjectOf(raw string) (string, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), claims); err != nil {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
