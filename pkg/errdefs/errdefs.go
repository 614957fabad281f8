// Package errdefs defines the error categories shared by every relaymesh
// component. Callers wrap one of the sentinels with fmt.Errorf("...: %w")
// and classify with errors.Is.
package errdefs

import "errors"

var (
	// ErrNotFound means the addressed entity does not exist, or no node could
	// be located for an identity.
	ErrNotFound = errors.New("not found")

	// ErrInvalid means the request was malformed (unknown event type, bad
	// severity, out-of-range metric). No state was mutated.
	ErrInvalid = errors.New("invalid argument")

	// ErrConflict means the request is well formed but clashes with the
	// entity's current state.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable means a backing store could not be reached.
	ErrUnavailable = errors.New("unavailable")
)

func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsInvalid(err error) bool     { return errors.Is(err, ErrInvalid) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
