package command

import "github.com/goliatone/go-integrations/core"

func commandDependencyError(message string) error {
	return core.InternalError(message)
}

// commandValidationError prefixes the field so one envelope names both the
// message and the offending input.
func commandValidationError(field string, message string) error {
	return core.BadInputError(field, "command: "+field+": "+message)
}
