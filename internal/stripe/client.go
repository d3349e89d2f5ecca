package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/price"

	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
)

// Client wraps the Stripe API calls the billing flow needs. It is built once
// at startup and shared by every request.
type Client struct {
	sessions session.Client
	prices   price.Client
}

// NewClient creates a Stripe client that talks to the live API.
func NewClient(secretKey string) (*Client, error) {
	return NewClientWithBackend(secretKey, stripego.GetBackend(stripego.APIBackend))
}

// NewClientWithBackend creates a Stripe client on an explicit backend, which
// lets tests point it at an httptest server.
func NewClientWithBackend(secretKey string, backend stripego.Backend) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	if backend == nil {
		return nil, errors.New("stripe: backend is required")
	}
	return &Client{
		sessions: session.Client{B: backend, Key: secretKey},
		prices:   price.Client{B: backend, Key: secretKey},
	}, nil
}

// CheckoutParams are the inputs for a subscription checkout.
type CheckoutParams struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
	Caller     identity.Caller
}

// CheckoutSession is the part of the provider's session the API hands back.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCheckoutSession opens a subscription-mode checkout for one unit of
// PriceID. The caller id travels in the session metadata so the webhook can
// attribute the payment later.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if strings.TrimSpace(p.PriceID) == "" {
		return nil, errors.New("stripe: price id is required")
	}

	params := &stripego.CheckoutSessionParams{
		Mode:               stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripego.StringSlice([]string{"card"}),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				Price:    stripego.String(p.PriceID),
				Quantity: stripego.Int64(1),
			},
		},
		SuccessURL: stripego.String(p.SuccessURL),
		CancelURL:  stripego.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(identity.MetadataKey, p.Caller.MetadataValue())

	if id, ok := p.Caller.ID(); ok {
		params.ClientReferenceID = stripego.String(id)
	}
	if email := p.Caller.Email(); email != "" {
		params.CustomerEmail = stripego.String(email)
	}

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// ProviderError is the message and code reported by Stripe for a failed call.
type ProviderError struct {
	Message string
	Code    string
}

// AsProviderError extracts the Stripe message and code from err. The second
// return is false when err did not come from the Stripe API.
func AsProviderError(err error) (ProviderError, bool) {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return ProviderError{}, false
	}
	msg := stripeErr.Msg
	if msg == "" {
		msg = stripeErr.Error()
	}
	return ProviderError{Message: msg, Code: string(stripeErr.Code)}, true
}
