package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// AdminSecret checks the shared secret sent with admin requests. The
// configured value is either the secret itself or its bcrypt hash.
type AdminSecret struct {
	plain  []byte
	hashed []byte
}

// NewAdminSecret wraps the configured secret. An empty value yields a checker
// that rejects every request.
func NewAdminSecret(configured string) *AdminSecret {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return &AdminSecret{}
	}
	for _, prefix := range bcryptPrefixes {
		if strings.HasPrefix(configured, prefix) {
			return &AdminSecret{hashed: []byte(configured)}
		}
	}
	return &AdminSecret{plain: []byte(configured)}
}

// Enabled reports whether a secret is configured.
func (a *AdminSecret) Enabled() bool {
	return len(a.plain) > 0 || len(a.hashed) > 0
}

// Verify reports whether candidate matches the configured secret.
func (a *AdminSecret) Verify(candidate string) bool {
	if candidate == "" || !a.Enabled() {
		return false
	}
	if len(a.hashed) > 0 {
		return bcrypt.CompareHashAndPassword(a.hashed, []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare(a.plain, []byte(candidate)) == 1
}
