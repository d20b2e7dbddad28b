package session

import (
	"fmt"
	"regexp"
)

// Session names become directory components under the data root, so the
// charset is restricted to names that are safe on every filesystem.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects session names that cannot be used as an on-disk
// directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
