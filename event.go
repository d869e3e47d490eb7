package shopkeeper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
)

// Event is a webhook event from Stripe that has passed signature
// verification.
type Event struct {
	ID   string
	Type string

	// Version orders events about the same resource. This is the time the
	// event was created in Stripe, in seconds.
	Version int64
	Created time.Time

	// Metadata is the metadata of the object the event is about. This is how
	// application state, such as orders, is correlated with a checkout.
	Metadata map[string]string

	// Object is the raw JSON of the object the event is about.
	Object json.RawMessage
}

// newEvent returns the Event for the given event from Stripe. This will return
// ErrMalformedPayload if the event is missing anything needed to apply it.
func newEvent(e *stripe.Event) (Event, error) {
	if e.ID == "" || e.Type == "" || e.Data == nil || len(e.Data.Raw) == 0 {
		return Event{}, ErrMalformedPayload
	}

	var obj struct {
		Metadata map[string]string `json:"metadata"`
	}

	if err := json.Unmarshal(e.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}

	if obj.Metadata == nil {
		obj.Metadata = make(map[string]string)
	}

	return Event{
		ID:       e.ID,
		Type:     e.Type,
		Version:  e.Created,
		Created:  time.Unix(e.Created, 0).UTC(),
		Metadata: obj.Metadata,
		Object:   e.Data.Raw,
	}, nil
}

// Decode decodes the object of the Event into v. A failure to decode is
// reported as ErrMalformedPayload.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Object, v); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, e.Type, err)
	}
	return nil
}
