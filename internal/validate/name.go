// Package validate holds the small argument-validation helpers the storage
// coordinator uses to reject programmer errors at the call site, per the
// error taxonomy's "fail immediately" rule for bad arguments.
package validate

import (
	"regexp"

	"github.com/nesprt/eventstore/internal/eventerr"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Name checks that s is non-empty and contains only letters, digits,
// underscore and dash, as required of write-stream (and so partition)
// and read-stream names.
func Name(s string) error {
	if len(s) == 0 {
		return eventerr.ErrNameEmpty
	}
	if !nameRe.MatchString(s) {
		return eventerr.ErrNameInvalid
	}
	return nil
}
