package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAdminSecretVerify(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}

	testCases := []struct {
		name       string
		configured string
		candidate  string
		want       bool
	}{
		{name: "plain match", configured: "letmein", candidate: "letmein", want: true},
		{name: "plain mismatch", configured: "letmein", candidate: "letmeout", want: false},
		{name: "hash match", configured: string(hashed), candidate: "hashed-secret", want: true},
		{name: "hash mismatch", configured: string(hashed), candidate: "wrong", want: false},
		{name: "hash is not the secret", configured: string(hashed), candidate: string(hashed), want: false},
		{name: "unconfigured", configured: "", candidate: "", want: false},
		{name: "empty candidate", configured: "letmein", candidate: "", want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := NewAdminSecret(testCase.configured).Verify(testCase.candidate); got != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}
