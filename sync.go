package shopkeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// Outcome is the outcome of an event that was acknowledged by the
// Synchronizer.
type Outcome int

const (
	Applied   Outcome = iota // Applied denotes an event that changed local state.
	Duplicate                // Duplicate denotes an event that was already applied.
	Stale                    // Stale denotes an event older than local state.
	Ignored                  // Ignored denotes an event with no handler.
)

// Result is the result of synchronizing a single event.
type Result struct {
	Event   Event
	Outcome Outcome
}

// HandlerFunc applies an event to the underlying store through the given Tx.
// Handlers should read the current state through the Tx before writing, and
// return ErrStaleEvent if the event is older than that state.
type HandlerFunc func(tx Tx, ev Event) error

// ListenerFunc is called once an event has been applied and committed. This
// is not called for duplicate, stale, or ignored events.
type ListenerFunc func(ctx context.Context, ev Event)

// Synchronizer applies the webhook events emitted by Stripe to the Customers
// and Subscriptions in a Store. Each event is verified, applied at most once,
// and never allowed to overwrite state from a newer event.
type Synchronizer struct {
	mu          sync.RWMutex
	store       Store
	secret      string
	tolerance   time.Duration
	defaultType string
	log         zerolog.Logger
	metrics     *Metrics
	handlers    map[string]HandlerFunc
	listeners   map[string][]ListenerFunc
}

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// NewSynchronizer returns a Synchronizer that verifies events with the webhook
// secret in the given Config, and applies them to the given Store. The given
// Metrics may be nil.
func NewSynchronizer(cfg Config, s Store, log zerolog.Logger, m *Metrics) *Synchronizer {
	sy := &Synchronizer{
		store:       s,
		secret:      cfg.WebhookSecret,
		tolerance:   cfg.tolerance(),
		defaultType: cfg.defaultType(),
		log:         log,
		metrics:     m,
		handlers:    make(map[string]HandlerFunc),
		listeners:   make(map[string][]ListenerFunc),
	}

	sy.handlers["checkout.session.completed"] = sy.checkoutCompleted
	sy.handlers["customer.created"] = sy.customerUpdated
	sy.handlers["customer.updated"] = sy.customerUpdated
	sy.handlers["customer.deleted"] = sy.customerUpdated

	for _, typ := range []string{"created", "updated", "deleted", "trial_will_end", "paused", "resumed"} {
		sy.handlers["customer.subscription."+typ] = sy.subscriptionUpdated
	}
	return sy
}

// Handle registers a new handler for the given event type. If a handler was
// already registered against the given event type, then that handler will be
// overwritten with the new handler.
func (s *Synchronizer) Handle(typ string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[typ] = fn
}

// Listen registers a listener for the given event type.
func (s *Synchronizer) Listen(typ string, fn ListenerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[typ] = append(s.listeners[typ], fn)
}

// Verify checks the signature of the given payload and decodes it into an
// Event. This returns ErrInvalidSignature if the signature does not match, or
// the timestamp is outside of the tolerance, and ErrMalformedPayload if the
// payload cannot be decoded.
func (s *Synchronizer) Verify(payload []byte, header string) (Event, error) {
	e, err := webhook.ConstructEventWithTolerance(payload, header, s.secret, s.tolerance)

	if err != nil {
		for _, sigerr := range []error{webhook.ErrNotSigned, webhook.ErrInvalidHeader, webhook.ErrNoValidSignature, webhook.ErrTooOld} {
			if errors.Is(err, sigerr) {
				return Event{}, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
			}
		}
		return Event{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}
	return newEvent(&e)
}

// Sync verifies the given payload and applies the event within it to the
// Store. Events that are duplicates, stale, or have no handler are
// acknowledged with a nil error and the respective Outcome. Errors that
// satisfy Retryable should be reported to the sender so the event is
// delivered again.
func (s *Synchronizer) Sync(ctx context.Context, payload []byte, header string) (Result, error) {
	start := time.Now()

	ev, err := s.Verify(payload, header)

	if err != nil {
		s.log.Warn().Err(err).Msg("rejected webhook event")
		s.metrics.observe("", "rejected", start)
		return Result{}, err
	}

	res, err := s.Apply(ctx, ev)

	log := s.log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	if err != nil {
		outcome := "error"

		switch {
		case Retryable(err):
			outcome = "conflict"
			log.Warn().Err(err).Msg("webhook event conflicted, awaiting redelivery")
		case errors.Is(err, ErrMalformedPayload):
			outcome = "rejected"
			log.Error().Err(err).Msg("malformed webhook event")
		default:
			log.Error().Err(err).Msg("failed to synchronize webhook event")
		}

		s.metrics.observe(ev.Type, outcome, start)
		return res, err
	}

	log.Info().Str("outcome", res.Outcome.String()).Msg("webhook event synchronized")
	s.metrics.observe(ev.Type, res.Outcome.String(), start)
	return res, nil
}

// Apply applies the given, already verified, Event to the Store.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) (Result, error) {
	res := Result{Event: ev}

	s.mu.RLock()
	fn, ok := s.handlers[ev.Type]
	s.mu.RUnlock()

	if !ok {
		res.Outcome = Ignored
		return res, nil
	}

	err := s.store.Sync(ctx, ev.ID, ev.Type, func(tx Tx) error {
		return fn(tx, ev)
	})

	switch {
	case err == nil:
		res.Outcome = Applied
	case errors.Is(err, ErrEventExists):
		res.Outcome = Duplicate
		return res, nil
	case errors.Is(err, ErrStaleEvent):
		res.Outcome = Stale
		return res, nil
	case errors.Is(err, ErrUnknownEventType):
		res.Outcome = Ignored
		return res, nil
	default:
		return res, err
	}

	s.mu.RLock()
	listeners := s.listeners[ev.Type]
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, ev)
	}
	return res, nil
}

// putCustomer stores the given Customer. If its billable reference already
// belongs to another Customer then it is stored without one, since the event
// would otherwise never apply.
func (s *Synchronizer) putCustomer(tx Tx, ev Event, c *Customer) error {
	err := tx.PutCustomer(c)

	if !errors.Is(err, ErrRefTaken) {
		return err
	}

	s.log.Warn().
		Err(err).
		Str("event_id", ev.ID).
		Str("customer_id", c.ID).
		Str("ref", c.Ref).
		Msg("billable reference taken, storing customer without it")

	c.Ref = ""
	return tx.PutCustomer(c)
}

// link makes sure a Customer exists for the given ID, and is linked to the
// given billable reference if it has none.
func (s *Synchronizer) link(tx Tx, ev Event, id, ref string) error {
	cur, ok, err := tx.Customer(id)

	if err != nil {
		return err
	}

	if !ok {
		cur = nil
	}

	if c := linkCustomer(cur, ev, id, ref); c != nil {
		return s.putCustomer(tx, ev, c)
	}
	return nil
}

func (s *Synchronizer) checkoutCompleted(tx Tx, ev Event) error {
	var sess stripe.CheckoutSession

	if err := ev.Decode(&sess); err != nil {
		return err
	}

	// Nothing to link for guest checkouts.
	if sess.Customer == nil || sess.Customer.ID == "" {
		return nil
	}

	ref := sess.ClientReferenceID

	if ref == "" {
		ref = sess.Metadata[MetadataRef]
	}
	return s.link(tx, ev, sess.Customer.ID, ref)
}

func (s *Synchronizer) customerUpdated(tx Tx, ev Event) error {
	var c stripe.Customer

	if err := ev.Decode(&c); err != nil {
		return err
	}

	cur, ok, err := tx.Customer(c.ID)

	if err != nil {
		return err
	}

	if !ok {
		cur = nil
	}

	next, err := applyCustomer(cur, ev, &c)

	if err != nil {
		return err
	}
	return s.putCustomer(tx, ev, next)
}

func (s *Synchronizer) subscriptionUpdated(tx Tx, ev Event) error {
	var sub stripe.Subscription

	if err := ev.Decode(&sub); err != nil {
		return err
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: subscription %s has no customer", ErrMalformedPayload, sub.ID)
	}

	// The customer row is locked before the subscription row, in the same
	// order as every other handler.
	if err := s.link(tx, ev, sub.Customer.ID, sub.Metadata[MetadataRef]); err != nil {
		return err
	}

	cur, ok, err := tx.Subscription(sub.ID)

	if err != nil {
		return err
	}

	if !ok {
		cur = nil
	}

	next, err := applySubscription(cur, ev, &sub, s.defaultType)

	if err != nil {
		return err
	}
	return tx.PutSubscription(next)
}
