package virterror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindConfigUnsupported, "page size %d", 4096)

	if !errors.Is(err, ErrConfigUnsupported) {
		t.Fatal("expected error to match ErrConfigUnsupported")
	}
	if errors.Is(err, ErrConfigInvalid) {
		t.Fatal("error should not match a different kind")
	}

	wrapped := fmt.Errorf("define failed: %w", err)
	if !errors.Is(wrapped, ErrConfigUnsupported) {
		t.Fatal("expected wrapped error to match ErrConfigUnsupported")
	}
	if KindOf(wrapped) != KindConfigUnsupported {
		t.Errorf("KindOf = %v, want %v", KindOf(wrapped), KindConfigUnsupported)
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(KindAllocationError, cause, "chardev lock dir %s", "/run/lock")

	want := "allocation error: chardev lock dir /run/lock: permission denied"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("plain errors should have unknown kind")
	}
}

func TestIsAny(t *testing.T) {
	err := New(KindNoSuchInstance, "uuid %s", "x")
	if !IsAny(err, ErrConfigInvalid, ErrNoSuchInstance) {
		t.Error("expected IsAny to match")
	}
	if IsAny(err, ErrConfigInvalid, ErrInternal) {
		t.Error("expected IsAny not to match")
	}
}
