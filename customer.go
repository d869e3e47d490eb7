package shopkeeper

import (
	"time"

	"github.com/stripe/stripe-go/v72"
)

// MetadataRef is the metadata key the billable reference is stored under in
// Stripe, on customers, checkout sessions, and subscriptions.
const MetadataRef = "shopkeeper_ref"

// Customer is a customer in Stripe along with the billable reference it
// belongs to in the application.
type Customer struct {
	ID      string    // ID is the ID of the customer in Stripe.
	Ref     string    // Ref is the billable reference, empty if not yet known.
	Email   string
	Deleted bool      // Deleted is whether the customer was deleted in Stripe.
	Version int64     // Version is the version of the last event applied.
	Created time.Time
}

// customerFromStripe returns the Customer for the given customer from Stripe,
// taking the billable reference from the customer's metadata.
func customerFromStripe(c *stripe.Customer) *Customer {
	return &Customer{
		ID:      c.ID,
		Ref:     c.Metadata[MetadataRef],
		Email:   c.Email,
		Deleted: c.Deleted,
		Created: time.Unix(c.Created, 0).UTC(),
	}
}

// applyCustomer returns the Customer that results from applying the given
// customer from the event onto the current Customer. The current Customer may
// be nil. If the event is older than the current Customer then ErrStaleEvent
// is returned. A billable reference that is already set is never changed.
func applyCustomer(cur *Customer, ev Event, c *stripe.Customer) (*Customer, error) {
	if c.ID == "" {
		return nil, ErrMalformedPayload
	}

	next := customerFromStripe(c)
	next.Version = ev.Version

	if ev.Type == "customer.deleted" {
		next.Deleted = true
	}

	if cur != nil {
		if ev.Version < cur.Version {
			return nil, ErrStaleEvent
		}
		// A deletion wins over an update created in the same second.
		if ev.Version == cur.Version && cur.Deleted && !next.Deleted {
			return nil, ErrStaleEvent
		}
	}

	if cur != nil {
		if cur.Ref != "" {
			next.Ref = cur.Ref
		}
		if !cur.Created.IsZero() {
			next.Created = cur.Created
		}
	}
	return next, nil
}

// linkCustomer returns the Customer that results from linking the given
// customer ID to the billable reference. This does not bump the version of the
// Customer, since checkout sessions carry no customer state. If nothing needs
// to change then nil is returned.
func linkCustomer(cur *Customer, ev Event, id, ref string) *Customer {
	if cur == nil {
		return &Customer{
			ID:      id,
			Ref:     ref,
			Created: ev.Created,
		}
	}

	if cur.Ref != "" || ref == "" {
		return nil
	}

	next := *cur
	next.Ref = ref
	return &next
}
