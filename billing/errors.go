package billing

import (
	"net/http"

	"github.com/goliatone/go-billing-events/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorProviderUnauthorized = "BILLING_PROVIDER_UNAUTHORIZED"
	ErrorProviderRateLimited  = "BILLING_PROVIDER_RATE_LIMITED"
	ErrorProviderNotFound     = "BILLING_PROVIDER_NOT_FOUND"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// statusError classifies a non-2xx provider response.
func statusError(provider core.Provider, operation string, res Response) error {
	category := goerrors.CategoryExternal
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		category = goerrors.CategoryAuth
	case res.StatusCode == http.StatusForbidden:
		category = goerrors.CategoryAuthz
	case res.StatusCode == http.StatusNotFound:
		category = goerrors.CategoryNotFound
	case res.StatusCode == http.StatusTooManyRequests:
		category = goerrors.CategoryRateLimit
	case res.StatusCode >= 400 && res.StatusCode < 500:
		category = goerrors.CategoryBadInput
	}
	return transportError(
		"billing: "+string(provider)+" "+operation+" returned "+http.StatusText(res.StatusCode),
		category,
		res.StatusCode,
		map[string]any{
			"provider":    string(provider),
			"operation":   operation,
			"status_code": res.StatusCode,
			"body":        snippet(res.Body),
		},
	)
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorProviderUnauthorized
	case goerrors.CategoryRateLimit:
		return ErrorProviderRateLimited
	case goerrors.CategoryNotFound:
		return ErrorProviderNotFound
	case goerrors.CategoryExternal:
		return core.ErrorProviderFailure
	default:
		return core.ErrorInternal
	}
}

const maxBodySnippet = 512

func snippet(body []byte) string {
	if len(body) <= maxBodySnippet {
		return string(body)
	}
	return string(body[:maxBodySnippet])
}
