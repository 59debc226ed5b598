package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// DefaultGoogleJWKSURL serves the keys Google signs OIDC tokens with.
	DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	defaultJWKSCacheTTL = 10 * time.Minute
	googleIssuer        = "https://accounts.google.com"
	googleIssuerShort   = "accounts.google.com"
)

var (
	// ErrInvalidSchedulerConfig indicates that OIDC scheduler settings are unusable.
	ErrInvalidSchedulerConfig = errors.New("auth: invalid scheduler oidc config")

	errMissingAudienceConfig = errors.New("audience configuration required")
	errNoAllowedAccounts     = errors.New("at least one service account email is required")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errUnverifiedEmail       = errors.New("token email not verified")
	errAccountNotAllowed     = errors.New("service account not allowed")
)

// SchedulerOIDCConfig configures verification of the Google-signed OIDC
// tokens Cloud Scheduler attaches to its requests.
type SchedulerOIDCConfig struct {
	Audience        string
	ServiceAccounts []string
	JWKSURL         string
	HTTPClient      *http.Client
	CacheTTL        time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// SchedulerOIDC accepts OIDC tokens minted for an allowed service account.
type SchedulerOIDC struct {
	audience   string
	accounts   map[string]struct{}
	jwksURL    string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
	keys       *keySet
}

type schedulerClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// NewSchedulerOIDC validates cfg and returns a SchedulerOIDC.
func NewSchedulerOIDC(cfg SchedulerOIDCConfig) (*SchedulerOIDC, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedulerConfig, errMissingAudienceConfig)
	}
	accounts := make(map[string]struct{}, len(cfg.ServiceAccounts))
	for _, account := range cfg.ServiceAccounts {
		if normalized := strings.ToLower(strings.TrimSpace(account)); normalized != "" {
			accounts[normalized] = struct{}{}
		}
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedulerConfig, errNoAllowedAccounts)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = DefaultGoogleJWKSURL
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerOIDC{
		audience:   audience,
		accounts:   accounts,
		jwksURL:    jwksURL,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
		keys:       &keySet{ttl: cacheTTL},
	}, nil
}

// Validate verifies rawToken and returns the service account it was minted for.
func (v *SchedulerOIDC) Validate(ctx context.Context, rawToken string) (string, error) {
	claims := &schedulerClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Issuer != googleIssuer && claims.Issuer != googleIssuerShort {
		return "", errUntrustedIssuer
	}
	if !claims.EmailVerified {
		return "", errUnverifiedEmail
	}
	email := strings.ToLower(claims.Email)
	if _, allowed := v.accounts[email]; !allowed {
		return "", fmt.Errorf("%w: %s", errAccountNotAllowed, claims.Email)
	}
	return email, nil
}

func (v *SchedulerOIDC) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *SchedulerOIDC) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}
	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("jwks document contained no usable keys")
	}
	v.keys.store(keys, fetchedAt)
	return nil
}

type keySet struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (s *keySet) get(keyID string, now time.Time) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || now.After(s.expiresAt) {
		return nil
	}
	return s.keys[keyID]
}

func (s *keySet) store(keys map[string]*rsa.PublicKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.expiresAt = now.Add(s.ttl)
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := new(big.Int).SetBytes(exponentBytes)
	if !exponent.IsInt64() || exponent.Int64() <= 1 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent.Int64())}, nil
}
