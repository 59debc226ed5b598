// Package auth guards the scheduler and admin endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCronIssuer is the issuer of scheduler tokens.
	DefaultCronIssuer = "lighthouse-keeper"
	// DefaultCronAudience is the audience of scheduler tokens.
	DefaultCronAudience = "lighthouse-keeper-cron"
	// DefaultCronSubject identifies the scheduler when no subject is given.
	DefaultCronSubject = "scheduler"
	defaultCronTTL     = 365 * 24 * time.Hour
)

var (
	// ErrInvalidCronConfig indicates that cron token configuration is unusable.
	ErrInvalidCronConfig    = errors.New("auth: invalid cron token config")
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// CronTokenConfig configures scheduler token issuance and validation.
type CronTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CronTokens issues and validates the HS256 bearer tokens presented by the
// external scheduler.
type CronTokens struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewCronTokens constructs CronTokens with defaults for unset fields.
func NewCronTokens(cfg CronTokenConfig) (*CronTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronConfig, errMissingSigningSecret)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultCronIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = DefaultCronAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultCronTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CronTokens{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// Issue produces a signed token for subject and its expiry.
func (c *CronTokens) Issue(_ context.Context, subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := c.clock().UTC()
	expiresAt := now.Add(c.ttl).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    c.issuer,
		Audience:  []string{c.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks a scheduler token and returns its subject.
func (c *CronTokens) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return c.secret, nil
		},
		jwt.WithAudience(c.audience),
		jwt.WithIssuer(c.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
