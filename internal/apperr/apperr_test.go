package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"not found", NotFound("missing"), KindNotFound},
		{"conflict", Conflict("dup", nil), KindConflict},
		{"invalid reference", InvalidReference("bad owner"), KindInvalidReference},
		{"unsupported", UnsupportedActivity("no handler"), KindUnsupportedActivity},
		{"persistence", Persistence("db down", errors.New("timeout")), KindPersistenceFailure},
		{"wrapped", fmt.Errorf("context: %w", NotFound("missing")), KindNotFound},
		{"plain error", errors.New("plain"), 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.expected {
				t.Errorf("KindOf() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := Persistence("db down", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if err.Error() != "db down: timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPredicates(t *testing.T) {
	if !IsNotFound(NotFound("x")) || IsNotFound(InvalidReference("x")) {
		t.Error("IsNotFound misclassifies")
	}
	if !IsUnsupportedActivity(UnsupportedActivity("x")) || IsUnsupportedActivity(nil) {
		t.Error("IsUnsupportedActivity misclassifies")
	}
	if !IsPersistence(Persistence("x", nil)) || IsPersistence(Conflict("x", nil)) {
		t.Error("IsPersistence misclassifies")
	}
}
