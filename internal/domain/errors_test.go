package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrorUnwrapsToSentinel(t *testing.T) {
	err := NewSubSystemError("run", "GetRun", ErrNotFound, "run-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is to match the sentinel")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("sentinel lost through wrapping")
	}
}

func TestDomainErrorMessage(t *testing.T) {
	err := NewSubSystemError("engine", "Engine.Start", ErrLimitReached, "10 runs already active")
	want := "Engine.Start: 10 runs already active: limit reached"
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got: %s\nwant: %s", err.Error(), want)
	}

	bare := NewDomainError("Op", ErrStorage, "")
	if bare.Error() != "Op: storage unavailable" {
		t.Fatalf("unexpected message: %s", bare.Error())
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Fatal("WrapOp(nil) must be nil")
	}
	err := WrapOp("op", ErrParse)
	if !errors.Is(err, ErrParse) {
		t.Fatal("WrapOp must preserve the sentinel")
	}
}

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeUnknown},
		{errors.New("mystery"), CodeUnknown},
		{ErrSpawn, CodeSpawn},
		{ErrStorage, CodeStorage},
		{ErrParse, CodeParse},
		{ErrProcessLost, CodeProcessLost},
		{fmt.Errorf("wrapped: %w", ErrSpawn), CodeSpawn},
		{NewDomainError("op", ErrParse, "d"), CodeParse},
		// Subsystem-specific resolution.
		{NewSubSystemError("run", "GetRun", ErrNotFound, "id"), CodeRunNotFound},
		{NewSubSystemError("definition", "GetDefinition", ErrNotFound, "id"), CodeDefinitionNotFound},
		{NewSubSystemError("definition", "CreateDefinition", ErrDuplicate, "id"), CodeDefinitionExists},
		{NewSubSystemError("engine", "Engine.Start", ErrLimitReached, ""), CodeRunCeiling},
		// Unknown subsystem falls back to the sentinel's code.
		{NewSubSystemError("other", "op", ErrNotFound, "id"), CodeNotFound},
	}
	for _, tc := range cases {
		if got := ErrorCodeOf(tc.err); got != tc.want {
			t.Errorf("ErrorCodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatus("bogus")} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
