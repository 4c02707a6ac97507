package util

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestSentinelsMatchByCode(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"forbidden", NewForbidden("nope"), ErrForbidden},
		{"closed", NewClosedTicket("t1"), ErrClosedTicket},
		{"already closed", NewAlreadyClosed("t1"), ErrAlreadyClosed},
		{"empty", NewEmptyMessage(), ErrEmptyMessage},
		{"no change", NewNoChange("same owner", nil), ErrNoChange},
		{"upload", NewUploadFailed(errors.New("disk full")), ErrUploadFailed},
		{"cas", NewConcurrentModification("t1"), ErrConcurrentModification},
		{"not found", NewNotFound("ticket", nil), ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("op: %w", tc.err)
			if !errors.Is(wrapped, tc.sentinel) {
				t.Fatalf("expected %v to match sentinel %v", wrapped, tc.sentinel)
			}
			if errors.Is(wrapped, ErrValidation) {
				t.Fatalf("did not expect %v to match validation sentinel", wrapped)
			}
		})
	}
}

func TestToDomainErrorMapsNoRowsAndUnknown(t *testing.T) {
	if got := ToDomainError(pgx.ErrNoRows); got.Code != CodeNotFound || got.HTTPStatus != http.StatusNotFound {
		t.Fatalf("expected not found mapping, got %+v", got)
	}
	if got := ToDomainError(errors.New("boom")); got.Code != CodeInternal || got.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal mapping, got %+v", got)
	}
	if got := ToDomainError(ErrForbidden); got.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected bare sentinel to get a status, got %d", got.HTTPStatus)
	}
	if ErrForbidden.HTTPStatus != 0 {
		t.Fatalf("sentinel must not be mutated")
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("wrap: %w", NewConcurrentModification("t1"))) {
		t.Fatalf("expected concurrent modification to be retryable")
	}
	if IsRetryable(NewForbidden("no")) {
		t.Fatalf("expected forbidden to be terminal")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected plain errors to be terminal")
	}
}
