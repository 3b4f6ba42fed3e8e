package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain new", New(KindNotFound, "missing"), KindNotFound},
		{"formatted", Newf(KindBusy, "lock held by %s", "other"), KindBusy},
		{"wrapped cause", Wrap(KindInternal, "store failed", errors.New("boom")), KindInternal},
		{"nested in fmt chain", fmt.Errorf("outer: %w", New(KindAlreadyMerged, "gone")), KindAlreadyMerged},
		{"foreign error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", New(KindNotFound, "profile missing"), "profile missing"},
		{"message and cause", Wrap(KindInternal, "store failed", errors.New("boom")), "store failed: boom"},
		{"cause only", &Error{Kind: KindInternal, Err: errors.New("boom")}, "boom"},
		{"kind only", &Error{Kind: KindBusy}, "busy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := Wrap(KindBusy, "lock wait", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is() lost the wrapped cause")
	}
	if !IsBusy(err) {
		t.Fatalf("IsBusy() = false for busy error")
	}
	if IsNotFound(err) {
		t.Fatalf("IsNotFound() = true for busy error")
	}
}
