package errs

import (
	"errors"
	"testing"
)

func TestServiceErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("activity.set_status", "upsert_failed", ErrStoreFailure, cause)

	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("expected kind to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to match")
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("did not expect unrelated kind to match")
	}
	if Code(err) != "activity.set_status.upsert_failed" {
		t.Fatalf("unexpected code %q", Code(err))
	}
	if err.Error() != "activity.set_status.upsert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestReasonFallsBackForForeignErrors(t *testing.T) {
	if Reason(errors.New("boom"), "internal") != "internal" {
		t.Fatalf("expected fallback reason")
	}
	if Reason(New("op", "missing_user_id", ErrInvalidArgument, nil), "internal") != "missing_user_id" {
		t.Fatalf("expected service reason")
	}
	if Code(errors.New("boom")) != "" {
		t.Fatalf("expected empty code for foreign error")
	}
}
