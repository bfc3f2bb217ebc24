package exchange

import (
	"errors"
	"fmt"

	"github.com/xtrntr/marketsim/internal/models"
)

var (
	// ErrInvalidInput is matched by every boundary validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleSnapshot means the matcher could not read a consistent snapshot; the cycle is skipped
	ErrStaleSnapshot = errors.New("stale snapshot read")
	// ErrOfferNotFound is returned when cancelling an offer ID the book has never seen
	ErrOfferNotFound = errors.New("offer not found")
	// ErrEngineStopped is returned to callers racing engine shutdown
	ErrEngineStopped = errors.New("engine stopped")
	// ErrCommandPanicked is returned when a command panicked on the driver goroutine
	ErrCommandPanicked = errors.New("command panicked")
)

// ValidationError describes which field failed boundary validation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DuplicateSettlementError reports a source emitted twice in one batch.
// It is a diagnostic only; the duplicate is dropped.
type DuplicateSettlementError struct {
	Source models.SourceKey
}

func (e *DuplicateSettlementError) Error() string {
	return fmt.Sprintf("duplicate settlement for %s %d", e.Source.Role, e.Source.SourceID)
}
