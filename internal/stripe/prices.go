package stripe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	stripego "github.com/stripe/stripe-go/v82"
)

// Price is an active recurring price as listed by Stripe.
type Price struct {
	ID        string
	LookupKey string
	Currency  string
	Amount    int64
	Interval  string
}

// ListActivePrices pages through every active price on the account.
func (c *Client) ListActivePrices(ctx context.Context) ([]Price, error) {
	params := &stripego.PriceListParams{
		Active: stripego.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripego.Int64(100)

	var out []Price
	it := c.prices.List(params)
	for it.Next() {
		p := it.Price()
		item := Price{
			ID:        p.ID,
			LookupKey: p.LookupKey,
			Currency:  string(p.Currency),
			Amount:    p.UnitAmount,
		}
		if p.Recurring != nil {
			item.Interval = string(p.Recurring.Interval)
		}
		out = append(out, item)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return out, nil
}

// PriceCatalog maps price ids to their canonical provider spelling. It is
// filled once at startup (or by the dbtool prices command) and read without
// locking afterwards.
type PriceCatalog struct {
	byFold map[string]string
}

// NewPriceCatalog indexes prices by case-folded id and lookup key.
func NewPriceCatalog(prices []Price) *PriceCatalog {
	c := &PriceCatalog{byFold: make(map[string]string, len(prices)*2)}
	for _, p := range prices {
		if p.ID == "" {
			continue
		}
		c.byFold[strings.ToLower(p.ID)] = p.ID
		if p.LookupKey != "" {
			if _, taken := c.byFold[strings.ToLower(p.LookupKey)]; !taken {
				c.byFold[strings.ToLower(p.LookupKey)] = p.ID
			}
		}
	}
	return c
}

// PriceLister lists the account's active prices. *Client implements it.
type PriceLister interface {
	ListActivePrices(ctx context.Context) ([]Price, error)
}

// LoadPriceCatalog lists active prices and builds a catalog from them.
func LoadPriceCatalog(ctx context.Context, c PriceLister) (*PriceCatalog, error) {
	prices, err := c.ListActivePrices(ctx)
	if err != nil {
		return nil, err
	}
	return NewPriceCatalog(prices), nil
}

// Canonical returns the provider's spelling of id. Unknown ids come back
// unchanged and ok is false. A nil catalog passes everything through.
func (c *PriceCatalog) Canonical(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if c == nil {
		return id, false
	}
	if canonical, ok := c.byFold[strings.ToLower(id)]; ok {
		return canonical, true
	}
	return id, false
}

// Len returns the number of indexed keys.
func (c *PriceCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byFold)
}

// Validate checks that every configured id resolves to an active price and
// returns the canonical ids alongside the ones that did not match.
func (c *PriceCatalog) Validate(configured []string) (resolved map[string]string, missing []string) {
	resolved = make(map[string]string, len(configured))
	for _, id := range configured {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		canonical, ok := c.Canonical(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		resolved[id] = canonical
	}
	sort.Strings(missing)
	return resolved, missing
}
