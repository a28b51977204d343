package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.bridge/sessions, so the
// charset stays filesystem-safe.
var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a session directory.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid session name %q: need 1-64 chars of [a-z0-9_-]", name)
}
