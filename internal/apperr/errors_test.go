package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestSchemaCarriesMissingField(t *testing.T) {
	err := Schema("approval status", []string{"id", "name", "email"})
	if !IsSchema(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
	field, ok := Field(err, "missing_field")
	if !ok || field != "approval status" {
		t.Fatalf("expected missing_field metadata, got %v", field)
	}
	if IsCorruptLedger(err) {
		t.Fatalf("schema error must not classify as corrupt ledger")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := CorruptLedger(errors.New("bad json"), "line 3")
	wrapped := fmt.Errorf("dispatch: load ledger: %w", inner)
	if !IsCorruptLedger(wrapped) {
		t.Fatalf("expected wrapped corrupt ledger to be detected")
	}
	if HTTPStatus(wrapped) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", HTTPStatus(wrapped))
	}
}

func TestTransportRetryAfter(t *testing.T) {
	throttled := Transport(errors.New("429"), "+15550001", 1500*time.Millisecond)
	if got := RetryAfter(throttled); got != 1500*time.Millisecond {
		t.Fatalf("expected retry after 1.5s, got %s", got)
	}
	if HTTPStatus(throttled) != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status, got %d", HTTPStatus(throttled))
	}

	plain := Transport(errors.New("smtp closed"), "a@example.com", 0)
	if RetryAfter(plain) != 0 {
		t.Fatalf("expected no retry hint")
	}
	if !IsTransport(plain) {
		t.Fatalf("expected transport classification")
	}
}

func TestVerificationFailedIsForbidden(t *testing.T) {
	err := VerificationFailed("token mismatch")
	if !IsVerificationFailed(err) {
		t.Fatalf("expected verification failure")
	}
	if HTTPStatus(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", HTTPStatus(err))
	}
	if HTTPStatus(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("expected plain errors to map to 500")
	}
}
