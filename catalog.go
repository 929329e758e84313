package chizhick

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/feefomit/chizhick/extractor"
)

// ErrInvalidArgument is returned by the catalog methods for parameters the
// upstream would reject.
var ErrInvalidArgument = errors.New("chizhick: invalid argument")

// ActiveOffers returns the current promotional offers.
func (c *Coordinator) ActiveOffers(ctx context.Context, opts ...FetchOption) (json.RawMessage, error) {
	return c.fetchCatalog(ctx, KeyActiveOffers, func(ctx context.Context, cl extractor.Client) ([]byte, error) {
		return cl.ActiveOffers(ctx)
	}, opts)
}

// Cities searches cities by name. Pages start at 1.
func (c *Coordinator) Cities(ctx context.Context, search string, page int, opts ...FetchOption) (json.RawMessage, error) {
	if strings.TrimSpace(search) == "" || page < 1 {
		return nil, ErrInvalidArgument
	}
	return c.fetchCatalog(ctx, CitiesKey(search, page), func(ctx context.Context, cl extractor.Client) ([]byte, error) {
		return cl.Cities(ctx, search, page)
	}, opts)
}

// Tree returns the category tree of a city. An empty cityID selects the
// upstream default city.
func (c *Coordinator) Tree(ctx context.Context, cityID string, opts ...FetchOption) (json.RawMessage, error) {
	return c.fetchCatalog(ctx, TreeKey(cityID), func(ctx context.Context, cl extractor.Client) ([]byte, error) {
		return cl.Tree(ctx, cityID)
	}, opts)
}

// Products returns one page of a category. Pages start at 1.
func (c *Coordinator) Products(ctx context.Context, cityID string, categoryID, page int, opts ...FetchOption) (json.RawMessage, error) {
	if categoryID < 1 || page < 1 {
		return nil, ErrInvalidArgument
	}
	return c.fetchCatalog(ctx, ProductsKey(cityID, categoryID, page), func(ctx context.Context, cl extractor.Client) ([]byte, error) {
		return cl.Products(ctx, cityID, categoryID, page)
	}, opts)
}

// fetchCatalog applies the resolved policy of key, then the caller's
// options, and fetches.
func (c *Coordinator) fetchCatalog(ctx context.Context, key string, fn Compute, opts []FetchOption) (json.RawMessage, error) {
	_, pol, _ := c.cfg.policies.Resolve(key)

	all := make([]FetchOption, 0, len(opts)+3)
	all = append(all, WithTimeout(pol.Timeout), WithWaitBudget(pol.WaitBudget))
	if pol.WaitOnMiss {
		all = append(all, WithMissPolicy(MissWait))
	}
	all = append(all, opts...)

	v, err := c.Fetch(ctx, key, coalesce(pol.TTL, DefaultTTL), fn, all...)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}
