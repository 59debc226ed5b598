package auth

import (
	"context"
	"errors"
)

var errNoCronValidators = errors.New("auth: no scheduler credentials configured")

// CronAuthenticator accepts scheduler requests carrying either a shared-secret
// token or, when configured, a Cloud Scheduler OIDC token.
type CronAuthenticator struct {
	tokens *CronTokens
	oidc   *SchedulerOIDC
}

// NewCronAuthenticator combines the configured scheduler credentials. oidc may be nil.
func NewCronAuthenticator(tokens *CronTokens, oidc *SchedulerOIDC) (*CronAuthenticator, error) {
	if tokens == nil && oidc == nil {
		return nil, errNoCronValidators
	}
	return &CronAuthenticator{tokens: tokens, oidc: oidc}, nil
}

// Validate returns the scheduler identity behind token.
func (a *CronAuthenticator) Validate(ctx context.Context, token string) (string, error) {
	var tokenErr error
	if a.tokens != nil {
		subject, err := a.tokens.Validate(token)
		if err == nil {
			return subject, nil
		}
		tokenErr = err
	}
	if a.oidc == nil {
		return "", tokenErr
	}
	subject, err := a.oidc.Validate(ctx, token)
	if err != nil {
		return "", errors.Join(tokenErr, err)
	}
	return subject, nil
}
