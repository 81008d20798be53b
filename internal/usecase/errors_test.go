package usecase

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapEngine(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantNil bool
	}{
		{"nil error returns nil", nil, true},
		{"wraps with ErrEngine", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapEngine(tt.err)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, ErrEngine) {
				t.Fatalf("expected errors.Is(%v, ErrEngine)", got)
			}
			if errors.Is(got, tt.err) {
				t.Fatalf("raw engine error must not be unwrappable")
			}
		})
	}
}

func TestInvalidInput(t *testing.T) {
	err := invalidInput("unsupported scheme %q", "ftp")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), `"ftp"`) {
		t.Fatalf("message lost: %v", err)
	}
}
