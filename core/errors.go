package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput           = "BILLING_BAD_INPUT"
	ErrorEventMalformed     = "BILLING_EVENT_MALFORMED"
	ErrorUnknownProvider    = "BILLING_UNKNOWN_PROVIDER"
	ErrorAlreadyProcessed   = "BILLING_ALREADY_PROCESSED"
	ErrorSubscriberNotFound = "BILLING_SUBSCRIBER_NOT_FOUND"
	ErrorLedgerNotFound     = "BILLING_LEDGER_NOT_FOUND"
	ErrorQueueUnavailable   = "BILLING_QUEUE_UNAVAILABLE"
	ErrorLedgerUnavailable  = "BILLING_LEDGER_UNAVAILABLE"
	ErrorProviderFailure    = "BILLING_PROVIDER_FAILURE"
	ErrorSignatureInvalid   = "BILLING_SIGNATURE_INVALID"
	ErrorHandlerPanic       = "BILLING_HANDLER_PANIC"
	ErrorInternal           = "BILLING_INTERNAL_ERROR"
)

func ErrMalformedEvent(reason string) error {
	return newBillingError("core: malformed event: "+strings.TrimSpace(reason), goerrors.CategoryBadInput, ErrorEventMalformed)
}

func ErrUnknownProvider(value string) error {
	return newBillingError(fmt.Sprintf("core: unknown provider %q", value), goerrors.CategoryBadInput, ErrorUnknownProvider)
}

func ErrAlreadyProcessed(eventID string) error {
	return newBillingError(
		fmt.Sprintf("core: event %q already processed", eventID),
		goerrors.CategoryConflict,
		ErrorAlreadyProcessed,
	).WithMetadata(map[string]any{"event_id": eventID})
}

func ErrSubscriberNotFound(provider Provider, field string, value string) error {
	return newBillingError(
		fmt.Sprintf("core: subscriber not found for %s %s %q", provider, field, value),
		goerrors.CategoryNotFound,
		ErrorSubscriberNotFound,
	)
}

func ErrLedgerRecordNotFound(eventID string) error {
	return newBillingError(fmt.Sprintf("core: ledger record %q not found", eventID), goerrors.CategoryNotFound, ErrorLedgerNotFound)
}

func ErrSignatureInvalid(reason string) error {
	return newBillingError("core: webhook signature invalid: "+strings.TrimSpace(reason), goerrors.CategoryAuth, ErrorSignatureInvalid)
}

func ErrHandlerPanic(eventType string, recovered any) error {
	return newBillingError(
		fmt.Sprintf("core: handler for %q panicked: %v", eventType, recovered),
		goerrors.CategoryInternal,
		ErrorHandlerPanic,
	).WithMetadata(map[string]any{"event_type": eventType})
}

// WrapTransport marks queue or ledger connectivity failures. They are
// retried by the worker loop and never recorded against an event.
func WrapTransport(err error, textCode string, message string) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(textCode)
}

func WrapProviderFailure(err error, provider Provider, operation string) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryExternal, fmt.Sprintf("core: %s %s failed", provider, operation)).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorProviderFailure).
		WithMetadata(map[string]any{"provider": string(provider), "operation": operation})
}

func HasTextCode(err error, textCode string) bool {
	for err != nil {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			return false
		}
		if rich.TextCode == textCode {
			return true
		}
		err = errors.Unwrap(rich)
	}
	return false
}

func IsAlreadyProcessed(err error) bool {
	return HasTextCode(err, ErrorAlreadyProcessed)
}

func IsMalformedEvent(err error) bool {
	return HasTextCode(err, ErrorEventMalformed)
}

func IsNotFound(err error) bool {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.Category == goerrors.CategoryNotFound
	}
	return false
}

// MapError converts any error into the billing error envelope used by the
// HTTP surface.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"):
		return newBillingError(err.Error(), goerrors.CategoryAuth, ErrorSignatureInvalid)
	case strings.Contains(msg, "not found"):
		return newBillingError(err.Error(), goerrors.CategoryNotFound, ErrorLedgerNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newBillingError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newBillingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorLedgerNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return ErrorAlreadyProcessed
	case goerrors.CategoryExternal:
		return ErrorProviderFailure
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
