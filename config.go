package shopkeeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v72"
)

// DefaultTolerance is the amount of clock skew allowed between the timestamp
// in a webhook signature and the time it is received.
const DefaultTolerance = 5 * time.Minute

// DefaultType is the Subscription type used when none is given.
const DefaultType = "default"

// Config is the configuration for the Billing service and Synchronizer. This
// should be built once at start up and passed to the constructors that need
// it.
type Config struct {
	// SecretKey is the Stripe secret key used to authenticate requests.
	SecretKey string `validate:"required"`

	// WebhookSecret is the signing secret of the webhook endpoint.
	WebhookSecret string `validate:"required"`

	// APIVersion is the Stripe API version requests are sent with. Defaults to
	// the version of the stripe-go SDK.
	APIVersion string

	// Endpoint is the base URL of the Stripe API. Defaults to the SDK's URL.
	Endpoint string `validate:"omitempty,url"`

	// Tolerance is the allowed clock skew for webhook signatures. Defaults to
	// DefaultTolerance.
	Tolerance time.Duration `validate:"gte=0"`

	// DefaultType is the Subscription type used for subscription checkouts
	// and queries that do not specify one.
	DefaultType string
}

var validate = validator.New()

// Validate checks that the required fields of the Config are set.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors

		if !errors.As(err, &verrs) {
			return err
		}

		fields := make([]string, 0, len(verrs))

		for _, e := range verrs {
			fields = append(fields, e.Field()+" ("+e.Tag()+")")
		}
		return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
	}
	return nil
}

func (c Config) tolerance() time.Duration {
	if c.Tolerance == 0 {
		return DefaultTolerance
	}
	return c.Tolerance
}

func (c Config) apiVersion() string {
	if c.APIVersion == "" {
		return stripe.APIVersion
	}
	return c.APIVersion
}

func (c Config) endpoint() string {
	if c.Endpoint == "" {
		return stripe.APIURL
	}
	return strings.TrimSuffix(c.Endpoint, "/")
}

func (c Config) defaultType() string {
	if c.DefaultType == "" {
		return DefaultType
	}
	return c.DefaultType
}
