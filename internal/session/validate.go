package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid session name")

// Names become directory names under sessions/ and appear as CLI arguments,
// so a leading hyphen is refused.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must be 1-64 chars of [a-z0-9_-], not starting with '-'", ErrInvalidName, name)
	}
	return nil
}
