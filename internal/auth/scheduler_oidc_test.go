package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAudience       = "https://keeper.example/cron"
	testServiceAccount = "scheduler@keeper.iam.gserviceaccount.com"
)

type jwksFixture struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	fetches  atomic.Int32
	clockNow time.Time
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	fixture := &jwksFixture{key: privateKey, clockNow: time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)}
	document := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "scheduler-key",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}},
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(document)
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) verifier(t *testing.T) *SchedulerOIDC {
	t.Helper()
	verifier, err := NewSchedulerOIDC(SchedulerOIDCConfig{
		Audience:        testAudience,
		ServiceAccounts: []string{" Scheduler@keeper.iam.gserviceaccount.com "},
		JWKSURL:         f.server.URL,
		HTTPClient:      f.server.Client(),
		Clock:           func() time.Time { return f.clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func (f *jwksFixture) sign(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            testAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "1234567890",
		"email":          testServiceAccount,
		"email_verified": true,
		"exp":            f.clockNow.Add(5 * time.Minute).Unix(),
		"iat":            f.clockNow.Unix(),
	}
	for key, value := range overrides {
		claims[key] = value
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "scheduler-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSchedulerOIDCAcceptsAllowedServiceAccount(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)

	for attempt := 0; attempt < 2; attempt++ {
		subject, err := verifier.Validate(context.Background(), fixture.sign(t, nil))
		if err != nil {
			t.Fatalf("expected verification to succeed: %v", err)
		}
		if subject != testServiceAccount {
			t.Fatalf("unexpected subject %s", subject)
		}
	}
	if fetches := fixture.fetches.Load(); fetches != 1 {
		t.Fatalf("expected cached keys to be reused, fetched %d times", fetches)
	}
}

func TestSchedulerOIDCRejectsForeignTokens(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)

	testCases := []struct {
		name      string
		overrides jwt.MapClaims
	}{
		{name: "wrong audience", overrides: jwt.MapClaims{"aud": "https://other.example"}},
		{name: "wrong issuer", overrides: jwt.MapClaims{"iss": "https://issuer.example"}},
		{name: "unverified email", overrides: jwt.MapClaims{"email_verified": false}},
		{name: "other account", overrides: jwt.MapClaims{"email": "intruder@example.com"}},
		{name: "expired", overrides: jwt.MapClaims{"exp": fixture.clockNow.Add(-time.Minute).Unix()}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := verifier.Validate(context.Background(), fixture.sign(t, testCase.overrides)); err == nil {
				t.Fatalf("expected verification to fail")
			}
		})
	}
}

func TestNewSchedulerOIDCRequiresAudienceAndAccounts(t *testing.T) {
	_, err := NewSchedulerOIDC(SchedulerOIDCConfig{ServiceAccounts: []string{testServiceAccount}})
	if !errors.Is(err, ErrInvalidSchedulerConfig) || !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error, got %v", err)
	}
	_, err = NewSchedulerOIDC(SchedulerOIDCConfig{Audience: testAudience, ServiceAccounts: []string{"", "  "}})
	if !errors.Is(err, ErrInvalidSchedulerConfig) || !strings.Contains(err.Error(), errNoAllowedAccounts.Error()) {
		t.Fatalf("expected account validation error, got %v", err)
	}
}

func TestCronAuthenticatorFallsBackToOIDC(t *testing.T) {
	fixture := newJWKSFixture(t)
	tokens, err := NewCronTokens(CronTokenConfig{SigningSecret: []byte("cron-secret"), Clock: func() time.Time { return fixture.clockNow }})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	authenticator, err := NewCronAuthenticator(tokens, fixture.verifier(t))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	shared, _, err := tokens.Issue(context.Background(), DefaultCronSubject)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if subject, err := authenticator.Validate(context.Background(), shared); err != nil || subject != DefaultCronSubject {
		t.Fatalf("expected shared token accepted, got %q, %v", subject, err)
	}
	if subject, err := authenticator.Validate(context.Background(), fixture.sign(t, nil)); err != nil || subject != testServiceAccount {
		t.Fatalf("expected oidc token accepted, got %q, %v", subject, err)
	}
	if _, err := authenticator.Validate(context.Background(), "garbage"); err == nil {
		t.Fatalf("expected garbage rejected")
	}

	tokensOnly, err := NewCronAuthenticator(tokens, nil)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := tokensOnly.Validate(context.Background(), fixture.sign(t, nil)); err == nil {
		t.Fatalf("expected oidc token rejected without oidc verifier")
	}
	if _, err := NewCronAuthenticator(nil, nil); err == nil {
		t.Fatalf("expected error without validators")
	}
}
