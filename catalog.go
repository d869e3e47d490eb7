package shopkeeper

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v72"
	"golang.org/x/sync/errgroup"
)

// Catalog provides a way of storing the prices and their respective product
// configured in Stripe. You would typically use this if you are storing your
// prices in a file on disk, and want them loaded up at start time of your
// application. A Catalog attached to Billing limits checkouts to the prices
// in it.
type Catalog struct {
	mu     sync.RWMutex
	client *Client
	log    zerolog.Logger
	prices map[string]Price
}

// Price is a price in Stripe with its product expanded.
type Price struct {
	*stripe.Price
}

// maxPriceLoads is the number of prices fetched from Stripe at once.
const maxPriceLoads = 4

var priceEndpoint = "/v1/prices"

// scanPriceIDs returns the price IDs read from the given io.Reader, one per
// line. Surrounding whitespace is trimmed, and blank lines and comments (lines
// prefixed with #) are skipped.
func scanPriceIDs(r io.Reader) ([]string, error) {
	ids := make([]string, 0)

	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

// RetrievePrice returns the price of the given ID from Stripe, with its
// product expanded.
func (c *Client) RetrievePrice(ctx context.Context, id string) (*stripe.Price, error) {
	resp, err := c.Get(ctx, priceEndpoint+"/"+url.PathEscape(id)+"?expand[]=product")

	if err != nil {
		return nil, err
	}

	var pr stripe.Price

	if err := c.decode(resp, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// LoadCatalog will load in all of the price IDs from the given io.Reader, and
// retrieve each price from Stripe via the given Client. Any price that cannot
// be retrieved is logged and left out of the Catalog. An error is only
// returned if the io.Reader could not be read.
func LoadCatalog(ctx context.Context, c *Client, r io.Reader, log zerolog.Logger) (*Catalog, error) {
	cat := &Catalog{
		client: c,
		log:    log,
		prices: make(map[string]Price),
	}

	if err := cat.Reload(ctx, r); err != nil {
		return nil, err
	}
	return cat, nil
}

// Reload loads in new price IDs from the given io.Reader. Prices already in
// the Catalog are not retrieved again.
func (c *Catalog) Reload(ctx context.Context, r io.Reader) error {
	ids, err := scanPriceIDs(r)

	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPriceLoads)

	for _, id := range ids {
		id := id

		if _, ok := c.Price(id); ok {
			continue
		}

		g.Go(func() error {
			pr, err := c.client.RetrievePrice(ctx, id)

			if err != nil {
				c.log.Error().Err(err).Str("price_id", id).Msg("failed to load price")
				return nil
			}

			c.mu.Lock()
			defer c.mu.Unlock()

			c.prices[pr.ID] = Price{Price: pr}
			return nil
		})
	}
	return g.Wait()
}

// Price returns the Price of the given ID, and whether it is in the Catalog.
func (c *Catalog) Price(id string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[id]
	return p, ok
}

// Slice returns the prices in the Catalog ordered by ID.
func (c *Catalog) Slice() []Price {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prices := make([]Price, 0, len(c.prices))

	for _, p := range c.prices {
		prices = append(prices, p)
	}

	sort.Slice(prices, func(i, j int) bool { return prices[i].ID < prices[j].ID })
	return prices
}
