package client

import (
	"fmt"
	"regexp"
	"strings"
)

// validIDRE matches the identifier character set the control plane accepts
// for node ids, route ids and identities.
var validIDRE = regexp.MustCompile(`^[a-zA-Z0-9._:@-]{1,253}$`)

// ValidateID checks that id is well formed before it is put in a URL path.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.ContainsAny(id, "/\\\x00\n\r") {
		return fmt.Errorf("id %q contains invalid characters", id)
	}
	if !validIDRE.MatchString(id) {
		return fmt.Errorf("id %q is invalid (allowed: a-z A-Z 0-9 . _ : @ - up to 253 chars)", id)
	}
	return nil
}
