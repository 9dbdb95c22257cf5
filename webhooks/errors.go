package webhooks

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-integrations/core"
)

func dispatchError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(source, category, message)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func badDelivery(source error, message string, metadata map[string]any) error {
	return dispatchError(source, goerrors.CategoryBadInput, message, http.StatusBadRequest, core.ErrorBadInput, metadata)
}

func unroutedDelivery(source error, message string, metadata map[string]any) error {
	return dispatchError(source, goerrors.CategoryNotFound, message, http.StatusNotFound, core.ErrorNotFound, metadata)
}

func ledgerFailure(source error, metadata map[string]any) error {
	return dispatchError(source, goerrors.CategoryOperation, "webhooks: replay ledger unavailable", http.StatusServiceUnavailable, core.ErrorOperationFailed, metadata)
}
