package query

import "github.com/goliatone/go-integrations/core"

func queryDependencyError(message string) error {
	return core.InternalError(message)
}

func queryValidationError(field string, message string) error {
	return core.BadInputError(field, "query: "+field+": "+message)
}
