package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-integrations/core"
)

// stage names the step of an exchange that failed. It decides the category,
// status and text code of the resulting envelope.
type stage string

const (
	stageSetup    stage = "setup"
	stageRequest  stage = "request"
	stageExchange stage = "exchange"
	stageResponse stage = "response"
)

func (s stage) envelope() (goerrors.Category, int, string) {
	switch s {
	case stageRequest:
		return goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput
	case stageExchange, stageResponse:
		return goerrors.CategoryExternal, http.StatusBadGateway, core.ErrorExternalFailure
	default:
		return goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal
	}
}

// fail builds the envelope for a failed stage. cause may be nil.
func (s stage) fail(cause error, message string, fields map[string]any) error {
	category, code, textCode := s.envelope()
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	metadata := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		metadata[key] = value
	}
	metadata["stage"] = string(s)
	return err.WithCode(code).WithTextCode(textCode).WithMetadata(metadata)
}
