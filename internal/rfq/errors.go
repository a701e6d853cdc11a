package rfq

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

var (
	// ErrInvalidSignature is returned when a lifecycle operation carries a
	// signature that does not verify against the record's signer key.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNoQuotes is returned by selection when no live quote exists.
	ErrNoQuotes = errors.New("no live quotes for request")
)

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// LifecycleError rejects an operation against a record whose status does not
// admit it. Terminal records are rejected, never queued.
type LifecycleError struct {
	RequestID uuid.UUID
	Status    model.RequestStatus
	Op        string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("request %s is %s, %s rejected", e.RequestID, e.Status, e.Op)
}
