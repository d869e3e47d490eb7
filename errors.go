package shopkeeper

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrInvalidSignature denotes a webhook payload whose signature could not
	// be verified, or whose timestamp lies outside of the tolerance. These are
	// never retried.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMalformedPayload denotes a webhook payload that was signed correctly
	// but could not be decoded into something we understand.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownEventType may be returned by a HandlerFunc for an event it
	// does not understand. The event is acknowledged as ignored, and nothing
	// is changed.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrStaleEvent denotes an event that is older than the state already
	// stored for the resource it describes. The event is acknowledged and
	// discarded.
	ErrStaleEvent = errors.New("stale event")

	// ErrStorageConflict denotes a transient failure in the underlying store,
	// such as a serialization failure or two concurrent first inserts of the
	// same row. The delivery should be retried by the sender.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrEventExists denotes an event that has already been applied.
	ErrEventExists = errors.New("event exists")

	// ErrRefTaken denotes a billable reference that already belongs to
	// another Customer that has not been deleted. This is not transient.
	ErrRefTaken = errors.New("billable reference taken")

	// ErrNoCustomer denotes a billable reference that has no Customer.
	ErrNoCustomer = errors.New("no customer")

	// ErrUnknownPrice denotes a price that is not in the configured Catalog.
	ErrUnknownPrice = errors.New("unknown price")
)

// Retryable reports whether the given error is transient, and a redelivery of
// the same event may succeed.
func Retryable(err error) bool { return errors.Is(err, ErrStorageConflict) }

// conflictCodes are the PostgreSQL error codes that are treated as transient.
// A unique_violation is transient when it is on an ID, since it means a
// concurrent transaction inserted the same row first.
var conflictCodes = map[pq.ErrorCode]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"23505": {}, // unique_violation
}

// customerRefConstraint is the name PostgreSQL gives the UNIQUE constraint on
// stripe_customers.ref.
const customerRefConstraint = "stripe_customers_ref_key"

func isUniqueViolation(err error) bool {
	var pqerr *pq.Error

	if errors.As(err, &pqerr) {
		return pqerr.Code == "23505"
	}
	return false
}

// storageErr wraps the given error in ErrStorageConflict if it was caused by
// a transient PostgreSQL error, or in ErrRefTaken if it violated the UNIQUE
// constraint on a billable reference.
func storageErr(err error) error {
	if err == nil {
		return nil
	}

	var pqerr *pq.Error

	if errors.As(err, &pqerr) {
		if pqerr.Code == "23505" && pqerr.Constraint == customerRefConstraint {
			return fmt.Errorf("%w: %s", ErrRefTaken, pqerr.Message)
		}
		if _, ok := conflictCodes[pqerr.Code]; ok {
			return fmt.Errorf("%w: %s", ErrStorageConflict, pqerr.Message)
		}
	}
	return err
}
