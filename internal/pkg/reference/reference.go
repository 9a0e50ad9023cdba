// internal/pkg/reference/reference.go
package reference

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Subscription generates a unique subscription reference.
func Subscription() string {
	return fmt.Sprintf("SUB-%s", ulid.Make().String())
}

// Transaction generates a unique transaction reference.
func Transaction() string {
	return fmt.Sprintf("TXN-%s", ulid.Make().String())
}

// Renewal derives the charge reference for renewing one subscription period.
// It is deterministic in (subscription, period boundary): re-emitting the
// same renewal intent reuses the same reference, giving the gateway an
// idempotency key to collapse redundant requests on.
func Renewal(subscriptionID string, periodEnd time.Time) string {
	return fmt.Sprintf("TXN-%s-%d", strings.TrimPrefix(subscriptionID, "SUB-"), periodEnd.Unix())
}
