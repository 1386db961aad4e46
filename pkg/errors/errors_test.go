package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name  string
		check func(error) bool
		match error
		other error
	}{
		{"not found", IsNotFound, ErrNotFound, ErrConflict},
		{"conflict", IsConflict, ErrConflict, ErrNotFound},
		{"validation", IsValidation, ErrValidation, ErrNotFound},
		{"unauthorized", IsUnauthorized, ErrUnauthorized, ErrNoCredentials},
		{"no credentials", IsNoCredentials, ErrNoCredentials, ErrUnauthorized},
		{"invalid state", IsInvalidState, ErrInvalidState, ErrClosed},
		{"closed", IsClosed, ErrClosed, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.match) {
				t.Errorf("expected direct match")
			}
			if !tt.check(fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", tt.match))) {
				t.Errorf("expected wrapped match")
			}
			if tt.check(tt.other) {
				t.Errorf("unexpected match for %v", tt.other)
			}
			if tt.check(nil) {
				t.Errorf("unexpected match for nil")
			}
			if tt.check(errors.New("something else")) {
				t.Errorf("unexpected match for unrelated error")
			}
		})
	}
}
