package shopkeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v72"
)

// Billing provides the billing capabilities of a billable entity, such as a
// user or a team, identified by a billable reference. Remote calls are made
// through the Processor, and local state is read from the Store.
// Subscriptions are never written here, only by the Synchronizer.
type Billing struct {
	Processor
	Store Store

	// Catalog, if set, is the set of prices that may be checked out.
	Catalog *Catalog

	defaultType string
	now         func() time.Time
}

// CheckoutOptions are the options for a checkout session.
type CheckoutOptions struct {
	SuccessURL string `validate:"required,url"`
	CancelURL  string `validate:"required,url"`

	// Email is used when a Customer has to be created for the checkout.
	Email string `validate:"omitempty,email"`

	// TrialDays is the length of the trial for subscription checkouts.
	TrialDays int64 `validate:"gte=0"`

	AllowPromotionCodes bool

	// Metadata is set on the checkout session, and is given back on the
	// Event for checkout.session.completed. Use this to correlate the
	// checkout with an order.
	Metadata map[string]string
}

type subscribedOptions struct {
	typ     string
	product string
	price   string
}

// SubscribedOption is an option for Billing.Subscribed.
type SubscribedOption func(*subscribedOptions)

// New returns a Billing service that talks to Stripe with a Client configured
// from the given Config, and reads local state from the given Store.
func New(cfg Config, s Store) *Billing {
	return &Billing{
		Processor:   NewClient(cfg),
		Store:       s,
		defaultType: cfg.defaultType(),
		now:         time.Now,
	}
}

// OfType limits Subscribed to Subscriptions of the given type.
func OfType(typ string) SubscribedOption {
	return func(o *subscribedOptions) { o.typ = typ }
}

// ToProduct limits Subscribed to Subscriptions with a price for the given
// product.
func ToProduct(id string) SubscribedOption {
	return func(o *subscribedOptions) { o.product = id }
}

// ToPrice limits Subscribed to Subscriptions with the given price.
func ToPrice(id string) SubscribedOption {
	return func(o *subscribedOptions) { o.price = id }
}

// Customer returns the Customer for the given billable reference. If a
// Customer does not exist in the underlying store, or was deleted in Stripe,
// then one is created via Stripe and subsequently stored.
func (b *Billing) Customer(ctx context.Context, ref, email string) (*Customer, error) {
	c, ok, err := b.Store.LookupCustomer(ctx, ref)

	if err != nil {
		return nil, err
	}

	if ok && !c.Deleted {
		return c, nil
	}

	// Concurrent first checkouts for the same reference get the same
	// customer back from Stripe.
	key := "customer-" + ref

	if ok {
		key += "-" + c.ID
	}

	params := Params{
		"metadata": Params{MetadataRef: ref},
	}

	if email != "" {
		params["email"] = email
	}

	cus, err := b.CreateCustomer(ctx, key, params)

	if err != nil {
		return nil, err
	}

	c = customerFromStripe(cus)
	c.Ref = ref

	if err := b.Store.PutCustomer(ctx, c); err != nil {
		// Another request, or the Synchronizer, stored a Customer for the
		// reference first.
		if !errors.Is(err, ErrStorageConflict) && !errors.Is(err, ErrRefTaken) {
			return nil, err
		}

		c1, ok, err := b.Store.LookupCustomer(ctx, ref)

		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, fmt.Errorf("customer %s: %w", ref, ErrStorageConflict)
		}
		return c1, nil
	}
	return c, nil
}

func (b *Billing) checkout(ctx context.Context, mode, ref, typ string, items map[string]int64, opts CheckoutOptions) (*stripe.CheckoutSession, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, errors.New("no items to checkout")
	}

	ids := make([]string, 0, len(items))

	for id := range items {
		if b.Catalog != nil {
			if _, ok := b.Catalog.Price(id); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, id)
			}
		}
		ids = append(ids, id)
	}

	sort.Strings(ids)

	c, err := b.Customer(ctx, ref, opts.Email)

	if err != nil {
		return nil, err
	}

	lineItems := make([]Params, 0, len(ids))

	for _, id := range ids {
		qty := items[id]

		if qty <= 0 {
			qty = 1
		}

		lineItems = append(lineItems, Params{
			"price":    id,
			"quantity": qty,
		})
	}

	metadata := Params{MetadataRef: ref}

	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	params := Params{
		"mode":                mode,
		"customer":            c.ID,
		"client_reference_id": ref,
		"success_url":         opts.SuccessURL,
		"cancel_url":          opts.CancelURL,
		"line_items":          lineItems,
		"metadata":            metadata,
	}

	if opts.AllowPromotionCodes {
		params["allow_promotion_codes"] = true
	}

	if mode == "subscription" {
		data := Params{
			"metadata": Params{
				MetadataRef:  ref,
				MetadataType: typ,
			},
		}

		if opts.TrialDays > 0 {
			data["trial_period_days"] = opts.TrialDays
		}
		params["subscription_data"] = data
	}
	return b.CreateCheckoutSession(ctx, "", params)
}

// Checkout creates a checkout session for a one-off payment of the given
// prices. The given items map price IDs to their quantity. The Customer for
// the billable reference is created if it does not exist.
func (b *Billing) Checkout(ctx context.Context, ref string, items map[string]int64, opts CheckoutOptions) (*stripe.CheckoutSession, error) {
	return b.checkout(ctx, "payment", ref, "", items, opts)
}

// NewSubscription creates a checkout session for a new Subscription of the
// given type to the given prices. If the type is empty then the default type
// is used. The Subscription itself is stored once Stripe emits the respective
// webhook events.
func (b *Billing) NewSubscription(ctx context.Context, ref, typ string, items map[string]int64, opts CheckoutOptions) (*stripe.CheckoutSession, error) {
	if typ == "" {
		typ = b.defaultType
	}
	return b.checkout(ctx, "subscription", ref, typ, items, opts)
}

// BillingPortal creates a billing portal session for the Customer of the
// given billable reference. ErrNoCustomer is returned if there is no such
// Customer.
func (b *Billing) BillingPortal(ctx context.Context, ref, returnURL string) (*stripe.BillingPortalSession, error) {
	if err := validate.Var(returnURL, "required,url"); err != nil {
		return nil, err
	}

	c, ok, err := b.Store.LookupCustomer(ctx, ref)

	if err != nil {
		return nil, err
	}

	if !ok || c.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrNoCustomer, ref)
	}

	return b.CreateBillingPortalSession(ctx, "", Params{
		"customer":   c.ID,
		"return_url": returnURL,
	})
}

// CheckoutSession returns the checkout session of the given ID from Stripe.
func (b *Billing) CheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	return b.RetrieveCheckoutSession(ctx, id)
}

func (b *Billing) subscriptions(ctx context.Context, ref, typ string) ([]*Subscription, error) {
	c, ok, err := b.Store.LookupCustomer(ctx, ref)

	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	if typ == "" {
		typ = b.defaultType
	}

	subs, err := b.Store.Subscriptions(ctx, c.ID)

	if err != nil {
		return nil, err
	}

	filtered := make([]*Subscription, 0, len(subs))

	for _, s := range subs {
		if s.Type == typ {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// Subscription returns the Subscription of the given type for the billable
// reference. A valid Subscription is preferred over one that is not. If the
// type is empty then the default type is used.
func (b *Billing) Subscription(ctx context.Context, ref, typ string) (*Subscription, bool, error) {
	subs, err := b.subscriptions(ctx, ref, typ)

	if err != nil {
		return nil, false, err
	}

	if len(subs) == 0 {
		return nil, false, nil
	}

	now := b.now()

	for _, s := range subs {
		if s.Valid(now) {
			return s, true, nil
		}
	}
	return subs[0], true, nil
}

// Subscribed reports whether the billable reference has a valid Subscription.
// This is answered from local state only. By default only Subscriptions of
// the default type are considered, this can be changed with OfType, and the
// Subscriptions can be narrowed further with ToProduct and ToPrice.
func (b *Billing) Subscribed(ctx context.Context, ref string, opts ...SubscribedOption) (bool, error) {
	var o subscribedOptions

	for _, opt := range opts {
		opt(&o)
	}

	subs, err := b.subscriptions(ctx, ref, o.typ)

	if err != nil {
		return false, err
	}

	now := b.now()

	for _, s := range subs {
		if !s.Valid(now) {
			continue
		}
		if o.product != "" && !s.HasProduct(o.product) {
			continue
		}
		if o.price != "" && !s.HasPrice(o.price) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// OnTrial reports whether the Subscription of the given type for the billable
// reference is trialing.
func (b *Billing) OnTrial(ctx context.Context, ref, typ string) (bool, error) {
	s, ok, err := b.Subscription(ctx, ref, typ)

	if err != nil || !ok {
		return false, err
	}
	return s.OnTrial(b.now()), nil
}
