package shopkeeper

import "context"

// Store provides an interface for storing and retrieving the Customers and
// Subscriptions that have been received from Stripe in an underlying data
// store such as a database.
type Store interface {
	// LookupCustomer will lookup the customer by the given billable reference
	// from within the underlying data store. Whether or not the customer could
	// be found is denoted by the returned bool value.
	LookupCustomer(ctx context.Context, ref string) (*Customer, bool, error)

	// PutCustomer will add the given Customer to the underlying data store if
	// no Customer with the same ID exists. If one does, then only a missing
	// billable reference is filled in, everything else is left as the
	// Synchronizer last wrote it. If another Customer that has not been
	// deleted already has the same billable reference then ErrRefTaken should
	// be returned.
	PutCustomer(ctx context.Context, c *Customer) error

	// Subscriptions returns all of the Subscriptions for the Customer of the
	// given ID.
	Subscriptions(ctx context.Context, customerID string) ([]*Subscription, error)

	// Sync records the given event ID and calls fn within a single
	// transaction. If the event ID has already been recorded then
	// ErrEventExists is returned and fn is not called. If fn returns an error
	// then nothing is committed, including the event ID.
	Sync(ctx context.Context, eventID, eventType string, fn func(Tx) error) error
}

// Tx is the view of the underlying data store given to event handlers. Reads
// made through a Tx lock the row being read until the Tx is done, so that no
// two events for the same resource are applied concurrently.
type Tx interface {
	// Customer returns the Customer of the given Stripe ID.
	Customer(id string) (*Customer, bool, error)

	// Subscription returns the Subscription of the given Stripe ID.
	Subscription(id string) (*Subscription, bool, error)

	// PutCustomer inserts or updates the given Customer. The version of a
	// stored Customer is never lowered. If another Customer that has not been
	// deleted already has the same billable reference then ErrRefTaken should
	// be returned, and the Tx left usable.
	PutCustomer(c *Customer) error

	PutSubscription(s *Subscription) error
}
