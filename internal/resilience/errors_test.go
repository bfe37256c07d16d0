package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("bad request"), false},
		{"transient wrapper", NewTransientError(errors.New("503"), 503), true},
		{"wrapped transient", fmt.Errorf("call: %w", NewTransientError(errors.New("429"), 429)), true},
		{"permanent wrapper", NewPermanentError(errors.New("refused")), false},
		{"permanent wins over message", NewPermanentError(errors.New("i/o timeout")), false},
		{"timeout message", errors.New("read tcp: i/o timeout"), true},
		{"connection reset message", errors.New("connection reset by peer"), true},
		{"dns message", errors.New("dial tcp: lookup vizcmp.internal: no such host"), true},
		{"validation failure", errors.New("schema validation failed: brand required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	te := NewTransientError(base, 502)
	if !errors.Is(te, base) {
		t.Error("TransientError should unwrap to its cause")
	}
	if te.Error() != "root cause" {
		t.Errorf("unexpected message: %s", te.Error())
	}

	pe := NewPermanentError(base)
	if !errors.Is(pe, base) {
		t.Error("PermanentError should unwrap to its cause")
	}
}
