package inbound

import (
	"fmt"
	"net/http"

	"github.com/goliatone/go-billing-events/core"
	goerrors "github.com/goliatone/go-errors"
)

// webhookError builds the envelope writeError renders. source may be nil.
func webhookError(source error, category goerrors.Category, status int, textCode string, message string, metadata map[string]any) error {
	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	err = err.WithCode(status).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func providerMeta(provider core.Provider) map[string]any {
	return map[string]any{"provider": string(provider)}
}

func badInput(message string, metadata map[string]any) error {
	return webhookError(nil, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, message, metadata)
}

func notConfigured(what string) error {
	return webhookError(nil, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal,
		"inbound: "+what+" is not configured", nil)
}

func errSignatureRejected(source error, provider core.Provider) error {
	return webhookError(source, goerrors.CategoryAuth, http.StatusUnauthorized, core.ErrorSignatureInvalid,
		"inbound: webhook signature rejected", providerMeta(provider))
}

func errNoVerifier(provider core.Provider) error {
	return webhookError(nil, goerrors.CategoryNotFound, http.StatusNotFound, core.ErrorUnknownProvider,
		fmt.Sprintf("inbound: no verifier registered for provider %q", provider), providerMeta(provider))
}

func errVerifierExists(provider core.Provider) error {
	return webhookError(nil, goerrors.CategoryConflict, http.StatusConflict, core.ErrorBadInput,
		fmt.Sprintf("inbound: verifier already registered for provider %q", provider), providerMeta(provider))
}

func errProviderMismatch(event core.QueuedEvent, endpoint core.Provider) error {
	return badInput(
		fmt.Sprintf("inbound: payload shape is %s, endpoint is %s", event.Provider, endpoint),
		map[string]any{"provider": string(endpoint), "event_id": event.EventID},
	)
}

func errBodyTooLarge(limit int64) error {
	return webhookError(nil, goerrors.CategoryBadInput, http.StatusRequestEntityTooLarge, core.ErrorBadInput,
		"inbound: webhook body too large", map[string]any{"limit_bytes": limit})
}
