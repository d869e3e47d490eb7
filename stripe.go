package shopkeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stripe/stripe-go/v72"
)

// Client is a simple HTTP client for the Stripe API. This can be configured to
// use specific version of the Stripe API. Each request made via this client
// will be automatically configured to talk to the Stripe API with the
// necessary headers.
type Client struct {
	http.Client

	secret   string
	endpoint string
	version  string
}

// Error is an error returned from the Stripe API.
type Error struct {
	Status string `json:"-"`
	Err    struct {
		Code    string
		Message string
		Type    string
	} `json:"error"`
}

// Processor is the set of calls made to the remote payment processor. This is
// implemented by Client.
type Processor interface {
	// CreateCustomer creates a new customer with the given Params. The given
	// key is sent as the Idempotency-Key of the request.
	CreateCustomer(ctx context.Context, key string, params Params) (*stripe.Customer, error)

	// CreateCheckoutSession creates a new checkout session with the given
	// Params.
	CreateCheckoutSession(ctx context.Context, key string, params Params) (*stripe.CheckoutSession, error)

	// CreateBillingPortalSession creates a new billing portal session with
	// the given Params.
	CreateBillingPortalSession(ctx context.Context, key string, params Params) (*stripe.BillingPortalSession, error)

	// RetrieveCheckoutSession returns the checkout session of the given ID.
	RetrieveCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}

type pair struct {
	key   string
	value interface{}
}

// Params is used for defining the parameters that are passed in the body of a
// Request made to the Stripe API. This will be encoded into a valid
// x-www-form-urlencoded payload.
type Params map[string]interface{}

var (
	_ Processor = (*Client)(nil)

	customerEndpoint        = "/v1/customers"
	checkoutSessionEndpoint = "/v1/checkout/sessions"
	portalSessionEndpoint   = "/v1/billing_portal/sessions"
)

// encodeSliceToPairs will encode an arbitrary slice of values into a slice of
// pairs. It is expected for the given reflect.Value to be a of reflect.Slice.
// The given key denotes the key in the original parameter set for which the
// slice belongs to. Each pair encoded will have a key of key[i] where key is
// the passed key argument, and i is of the pair's value in the slice.
func encodeSliceToPairs(key string, val reflect.Value) []pair {
	pairs := make([]pair, 0)

	for i := 0; i < val.Len(); i++ {
		k := key + "[" + strconv.FormatInt(int64(i), 10) + "]"
		v := val.Index(i).Interface()

		if p, ok := v.(Params); ok {
			pairs = append(pairs, p.encodeToPairs(k)...)
			continue
		}
		pairs = append(pairs, pair{
			key:   k,
			value: v,
		})
	}
	return pairs
}

func respCode2xx(code int) bool { return code >= 200 && code < 300 }

// NewClient configures a new Client for interfacing with the Stripe API using
// the API version, endpoint, and secret key in the given Config.
func NewClient(cfg Config) *Client {
	return &Client{
		secret:   cfg.SecretKey,
		endpoint: cfg.endpoint(),
		version:  cfg.apiVersion(),
	}
}

func (e *Error) Error() string {
	return "stripe api error " + e.Status + ": " + e.Err.Message
}

func (p pair) encode() string { return p.key + "=" + url.QueryEscape(fmt.Sprintf("%v", p.value)) }

func (p Params) encodeToPairs(parent string) []pair {
	pairs := make([]pair, 0)

	for k, v := range p {
		if parent != "" {
			k = parent + "[" + k + "]"
		}

		if v == nil {
			continue
		}

		switch v1 := v.(type) {
		case Params:
			pairs = append(pairs, v1.encodeToPairs(k)...)
			continue
		case map[string]string:
			for mk, mv := range v1 {
				pairs = append(pairs, pair{
					key:   k + "[" + mk + "]",
					value: mv,
				})
			}
			continue
		}

		if reflect.TypeOf(v).Kind() == reflect.Slice {
			pairs = append(pairs, encodeSliceToPairs(k, reflect.ValueOf(v))...)
			continue
		}
		pairs = append(pairs, pair{
			key:   k,
			value: v,
		})
	}
	return pairs
}

// Encode encodes the current Params into an x-www-form-urlencoded string and
// returns it.
func (p Params) Encode() string {
	pairs := make([]string, 0)

	for _, pair := range p.encodeToPairs("") {
		pairs = append(pairs, pair.encode())
	}

	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// Reader returns an io.Reader for the x-www-form-urlencoded string of the
// current Params.
func (p Params) Reader() io.Reader { return strings.NewReader(p.Encode()) }

func (c *Client) do(ctx context.Context, method, uri, key string, r io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+uri, r)

	if err != nil {
		return nil, err
	}

	contentType := map[string]string{
		"POST": "application/x-www-form-urlencoded",
		"GET":  "application/json; charset=utf-8",
	}

	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", contentType[method])
	req.Header.Set("Stripe-Version", c.version)

	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return c.Do(req)
}

// Error decodes an error from the Stripe API from the given http.Response and
// returns it as a pointer to Error.
func (c *Client) Error(resp *http.Response) error {
	e := &Error{
		Status: resp.Status,
	}

	if err := json.NewDecoder(resp.Body).Decode(e); err != nil {
		return fmt.Errorf("stripe api error %s: %w", resp.Status, err)
	}
	return e
}

// decode checks the status of the given http.Response and decodes its body
// into v. The body of the response is closed.
func (c *Client) decode(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if !respCode2xx(resp.StatusCode) {
		return c.Error(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Get will send a GET request to the given URI of the Stripe API.
func (c *Client) Get(ctx context.Context, uri string) (*http.Response, error) {
	return c.do(ctx, "GET", uri, "", nil)
}

// Post will send a POST request to the given URI of the Stripe API, with the
// given Params encoded as the request body. If the given key is empty then a
// random Idempotency-Key is generated for the request.
func (c *Client) Post(ctx context.Context, uri, key string, params Params) (*http.Response, error) {
	if key == "" {
		key = uuid.New().String()
	}
	return c.do(ctx, "POST", uri, key, params.Reader())
}

// CreateCustomer implements the Processor interface.
func (c *Client) CreateCustomer(ctx context.Context, key string, params Params) (*stripe.Customer, error) {
	resp, err := c.Post(ctx, customerEndpoint, key, params)

	if err != nil {
		return nil, err
	}

	var cus stripe.Customer

	if err := c.decode(resp, &cus); err != nil {
		return nil, err
	}
	return &cus, nil
}

// CreateCheckoutSession implements the Processor interface.
func (c *Client) CreateCheckoutSession(ctx context.Context, key string, params Params) (*stripe.CheckoutSession, error) {
	resp, err := c.Post(ctx, checkoutSessionEndpoint, key, params)

	if err != nil {
		return nil, err
	}

	var sess stripe.CheckoutSession

	if err := c.decode(resp, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateBillingPortalSession implements the Processor interface.
func (c *Client) CreateBillingPortalSession(ctx context.Context, key string, params Params) (*stripe.BillingPortalSession, error) {
	resp, err := c.Post(ctx, portalSessionEndpoint, key, params)

	if err != nil {
		return nil, err
	}

	var sess stripe.BillingPortalSession

	if err := c.decode(resp, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// RetrieveCheckoutSession implements the Processor interface.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	resp, err := c.Get(ctx, checkoutSessionEndpoint+"/"+url.PathEscape(id))

	if err != nil {
		return nil, err
	}

	var sess stripe.CheckoutSession

	if err := c.decode(resp, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
