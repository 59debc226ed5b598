package serviceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New("reports.finalize", "insert_failed", cause)

	if err.Error() != "reports.finalize.insert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}

	wrapped := fmt.Errorf("handler: %w", err)
	code, ok := CodeOf(wrapped)
	if !ok || code != "reports.finalize.insert_failed" {
		t.Fatalf("unexpected code %q (found=%v)", code, ok)
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := New("metadata.scan", "callback_failed", nil)
	if err.Error() != "metadata.scan.callback_failed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatalf("plain errors must not report a code")
	}
}
