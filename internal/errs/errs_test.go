package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("ensuring: %w", E(KindConfiguration, "agentsync.Ensure", base))

	if got := KindOf(err); got != KindConfiguration {
		t.Errorf("KindOf = %v, want %v", got, KindConfiguration)
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is lost the underlying error")
	}
	if !Is(err, KindConfiguration) {
		t.Error("Is(KindConfiguration) = false")
	}
	if Is(nil, KindConfiguration) {
		t.Error("Is(nil) = true")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("x")); got != KindUnknown {
		t.Errorf("KindOf plain = %v, want unknown", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindRemoteTimeout, Op: "poll", Err: errors.New("last status in_progress")}, "poll: last status in_progress"},
		{&Error{Kind: KindQuotaExceeded, Op: "quota"}, "quota: quota_exceeded"},
		{&Error{Kind: KindValidation}, "validation"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
