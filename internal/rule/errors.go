package rule

import "errors"

// ErrInvalid marks a malformed spec. Callers reject the rule at create/edit
// time; an invalid spec is never persisted.
var ErrInvalid = errors.New("invalid rule")
