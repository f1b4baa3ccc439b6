package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried on every error produced by this module.
const (
	CodeSchema             = "SCHEMA_ERROR"
	CodeCorruptLedger      = "CORRUPT_LEDGER"
	CodePersistence        = "PERSISTENCE_ERROR"
	CodeTransport          = "TRANSPORT_ERROR"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeConfig             = "CONFIG_ERROR"
)

// Schema reports an ingestion header that does not cover a required field.
func Schema(field string, headers []string) error {
	return goerrors.New(fmt.Sprintf("ingest: required column %q not found in header", field), goerrors.CategoryValidation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(CodeSchema).
		WithMetadata(map[string]any{
			"missing_field": field,
			"headers":       strings.Join(headers, ","),
		})
}

// CorruptLedger reports stored ledger data that cannot be trusted.
func CorruptLedger(source error, location string) error {
	if source == nil {
		source = errors.New("unknown corruption")
	}
	err := goerrors.Wrap(source, goerrors.CategoryInternal, "ledger: stored ledger is unreadable").
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeCorruptLedger)
	if location != "" {
		err.WithMetadata(map[string]any{"location": location})
	}
	return err
}

// Persistence reports a ledger append that did not reach durable storage.
func Persistence(source error, recipientID, campaignKey string) error {
	if source == nil {
		source = errors.New("store unavailable")
	}
	return goerrors.Wrap(source, goerrors.CategoryInternal, "ledger: failed to persist entry").
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodePersistence).
		WithMetadata(map[string]any{
			"recipient_id": recipientID,
			"campaign_key": campaignKey,
		})
}

// Transport reports a failed delivery to a single recipient. A positive
// retryAfter records the provider's throttling hint.
func Transport(source error, address string, retryAfter time.Duration) error {
	if source == nil {
		source = errors.New("delivery rejected")
	}
	metadata := map[string]any{"address": address}
	if retryAfter > 0 {
		metadata["retry_after_ms"] = retryAfter.Milliseconds()
	}
	category := goerrors.CategoryExternal
	code := http.StatusBadGateway
	if retryAfter > 0 {
		category = goerrors.CategoryRateLimit
		code = http.StatusTooManyRequests
	}
	return goerrors.Wrap(source, category, "transport: delivery failed").
		WithCode(code).
		WithTextCode(CodeTransport).
		WithMetadata(metadata)
}

// VerificationFailed rejects a webhook handshake or signed delivery.
func VerificationFailed(reason string) error {
	return goerrors.New("webhook: verification failed: "+reason, goerrors.CategoryAuth).
		WithCode(http.StatusForbidden).
		WithTextCode(CodeVerificationFailed)
}

// Config reports missing or invalid configuration.
func Config(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeConfig)
}

func IsSchema(err error) bool             { return hasTextCode(err, CodeSchema) }
func IsCorruptLedger(err error) bool      { return hasTextCode(err, CodeCorruptLedger) }
func IsPersistence(err error) bool        { return hasTextCode(err, CodePersistence) }
func IsTransport(err error) bool          { return hasTextCode(err, CodeTransport) }
func IsVerificationFailed(err error) bool { return hasTextCode(err, CodeVerificationFailed) }
func IsConfig(err error) bool             { return hasTextCode(err, CodeConfig) }

// RetryAfter returns the throttling hint attached to a transport error.
func RetryAfter(err error) time.Duration {
	rich := asRich(err)
	if rich == nil || rich.TextCode != CodeTransport || rich.Metadata == nil {
		return 0
	}
	if ms, ok := rich.Metadata["retry_after_ms"].(int64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// HTTPStatus maps an error to the status a handler should answer with.
func HTTPStatus(err error) int {
	if rich := asRich(err); rich != nil && rich.Code > 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// Field returns a metadata value recorded on the error, if any.
func Field(err error, key string) (any, bool) {
	rich := asRich(err)
	if rich == nil || rich.Metadata == nil {
		return nil, false
	}
	value, ok := rich.Metadata[key]
	return value, ok
}

func hasTextCode(err error, code string) bool {
	rich := asRich(err)
	return rich != nil && rich.TextCode == code
}

func asRich(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	return nil
}
