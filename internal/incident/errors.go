package incident

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrValidation marks malformed input: a bad alert or a malformed id.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means no incident exists for the id.
	ErrNotFound = errors.New("unknown incident")

	// ErrStageOutOfOrder means a stage result was offered that is not the
	// next expected stage for the incident.
	ErrStageOutOfOrder = errors.New("stage out of order")

	// ErrInvalidTransition means an operator action is not allowed from the
	// incident's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NewID returns a fresh incident identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidateID rejects identifiers that could never have been issued by NewID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: incident id is required", ErrValidation)
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: malformed incident id %q", ErrValidation, id)
	}
	return nil
}
