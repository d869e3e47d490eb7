package shopkeeper

import (
	"database/sql"
	"time"

	"github.com/stripe/stripe-go/v72"
)

// MetadataType is the metadata key the type of a Subscription is stored under
// in Stripe.
const MetadataType = "shopkeeper_type"

// Status is the status of a Subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
)

// Item is a single price on a Subscription.
type Item struct {
	PriceID   string `json:"price_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Subscription is a subscription in Stripe as last reported by a webhook
// event. Subscriptions are only ever written by the Synchronizer.
type Subscription struct {
	ID               string
	CustomerID       string
	Type             string // Type is the application defined name of the Subscription.
	Status           Status
	Items            []Item
	CurrentPeriodEnd time.Time
	TrialEnd         sql.NullTime
	EndsAt           sql.NullTime // EndsAt is the time the Subscription ends if it was cancelled.
	Version          int64        // Version is the version of the last event applied.
}

var (
	validSubscriptionStatuses = map[Status]struct{}{
		StatusActive:   {},
		StatusTrialing: {},
	}

	stripeStatuses = map[stripe.SubscriptionStatus]Status{
		stripe.SubscriptionStatusIncomplete:        StatusIncomplete,
		stripe.SubscriptionStatusIncompleteExpired: StatusCanceled,
		stripe.SubscriptionStatusTrialing:          StatusTrialing,
		stripe.SubscriptionStatusActive:            StatusActive,
		stripe.SubscriptionStatusPastDue:           StatusPastDue,
		stripe.SubscriptionStatusCanceled:          StatusCanceled,
		stripe.SubscriptionStatusUnpaid:            StatusUnpaid,
	}

	// statusRanks orders the statuses along the lifecycle of a Subscription.
	// Of two events created within the same second, the one with the later
	// status wins.
	statusRanks = map[Status]int{
		StatusIncomplete: 1,
		StatusTrialing:   2,
		StatusActive:     3,
		StatusPastDue:    4,
		StatusUnpaid:     5,
		StatusCanceled:   6,
	}
)

func unixTime(sec int64) sql.NullTime {
	if sec == 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{
		Time:  time.Unix(sec, 0).UTC(),
		Valid: true,
	}
}

// applySubscription returns the Subscription that results from applying the
// given subscription from the event onto the current Subscription. The current
// Subscription may be nil. If the event is older than the current Subscription
// then ErrStaleEvent is returned. An event of the same version is only applied
// if its status is not earlier in the lifecycle than the current status.
func applySubscription(cur *Subscription, ev Event, s *stripe.Subscription, defaultType string) (*Subscription, error) {
	if s.ID == "" || s.Customer == nil || s.Customer.ID == "" {
		return nil, ErrMalformedPayload
	}

	status, ok := stripeStatuses[s.Status]

	if !ok {
		return nil, ErrMalformedPayload
	}

	if cur != nil {
		if ev.Version < cur.Version {
			return nil, ErrStaleEvent
		}
		if ev.Version == cur.Version && statusRanks[status] < statusRanks[cur.Status] {
			return nil, ErrStaleEvent
		}
	}

	next := &Subscription{
		ID:               s.ID,
		CustomerID:       s.Customer.ID,
		Type:             s.Metadata[MetadataType],
		Status:           status,
		Items:            make([]Item, 0),
		CurrentPeriodEnd: time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		TrialEnd:         unixTime(s.TrialEnd),
		Version:          ev.Version,
	}

	if next.Type == "" {
		next.Type = defaultType

		if cur != nil {
			next.Type = cur.Type
		}
	}

	if s.Items != nil {
		for _, it := range s.Items.Data {
			if it.Price == nil {
				continue
			}

			item := Item{
				PriceID:  it.Price.ID,
				Quantity: it.Quantity,
			}

			if it.Price.Product != nil {
				item.ProductID = it.Price.Product.ID
			}
			next.Items = append(next.Items, item)
		}
	}

	switch {
	case s.EndedAt != 0:
		next.EndsAt = unixTime(s.EndedAt)
	case s.CancelAt != 0:
		next.EndsAt = unixTime(s.CancelAt)
	case s.CancelAtPeriodEnd:
		next.EndsAt = unixTime(s.CurrentPeriodEnd)
	}
	return next, nil
}

// HasPrice reports whether the Subscription contains the given price.
func (s *Subscription) HasPrice(id string) bool {
	for _, it := range s.Items {
		if it.PriceID == id {
			return true
		}
	}
	return false
}

// HasProduct reports whether the Subscription contains a price for the given
// product.
func (s *Subscription) HasProduct(id string) bool {
	for _, it := range s.Items {
		if it.ProductID == id {
			return true
		}
	}
	return false
}

// OnTrial reports whether the Subscription is trialing at the given time.
func (s *Subscription) OnTrial(t time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == StatusTrialing && s.TrialEnd.Valid && t.Before(s.TrialEnd.Time)
}

// OnGracePeriod reports whether the Subscription has been cancelled but still
// lies within the grace period at the given time.
func (s *Subscription) OnGracePeriod(t time.Time) bool {
	if s == nil {
		return false
	}

	if !s.EndsAt.Valid {
		return false
	}
	return t.Before(s.EndsAt.Time)
}

// PastDue reports whether the latest payment for the Subscription failed.
func (s *Subscription) PastDue() bool { return s != nil && s.Status == StatusPastDue }

// Valid will return whether or not the current Subscription is valid at the
// given time. A Subscription is considered valid if the status is one of,
// "active", or "trialing", or if the Subscription was cancelled but the given
// time is before the EndsAt date.
func (s *Subscription) Valid(t time.Time) bool {
	if s == nil {
		return false
	}

	if s.EndsAt.Valid {
		return t.Before(s.EndsAt.Time)
	}

	_, ok := validSubscriptionStatuses[s.Status]
	return ok
}
