package darkpool

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/obscura-trade/obscura-core/pkg/model"
)

// ErrInvalidSignature is returned when a signature-gated operation does not
// verify against the order's signer key.
var ErrInvalidSignature = errors.New("invalid signature")

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

// LifecycleError rejects an operation against an order whose status does not
// admit it.
type LifecycleError struct {
	OrderID uuid.UUID
	Status  model.OrderStatus
	Op      string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("order %s is %s, %s rejected", e.OrderID, e.Status, e.Op)
}
