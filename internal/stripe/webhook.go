package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

// SignatureHeader is the header Stripe signs deliveries with.
const SignatureHeader = "Stripe-Signature"

// EventCheckoutSessionCompleted is the only event type that changes entitlements.
const EventCheckoutSessionCompleted = string(stripego.EventTypeCheckoutSessionCompleted)

// SignatureTolerance bounds how old a signed timestamp may be.
const SignatureTolerance = 5 * time.Minute

var (
	// ErrMissingSignature is returned when the signature header is empty.
	ErrMissingSignature = errors.New("stripe: missing signature header")
	// ErrInvalidSignature wraps every verification failure.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
)

// Event is a verified webhook delivery.
type Event struct {
	ID   string
	Type string
	raw  json.RawMessage
}

// VerifyEvent checks the signature over the exact payload bytes and decodes
// the envelope. Nothing in payload is trusted before this returns nil.
func VerifyEvent(payload []byte, header, secret string) (Event, error) {
	if strings.TrimSpace(header) == "" {
		return Event{}, ErrMissingSignature
	}
	if secret == "" {
		return Event{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data != nil {
		out.raw = evt.Data.Raw
	}
	return out, nil
}

// CheckoutCompletion decodes a checkout.session.completed payload.
func (e Event) CheckoutCompletion() (models.CheckoutCompletion, error) {
	if e.Type != EventCheckoutSessionCompleted {
		return models.CheckoutCompletion{}, fmt.Errorf("stripe: event %s is %s, not %s", e.ID, e.Type, EventCheckoutSessionCompleted)
	}

	var s stripego.CheckoutSession
	if err := json.Unmarshal(e.raw, &s); err != nil {
		return models.CheckoutCompletion{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}

	c := models.CheckoutCompletion{
		EventID:       e.ID,
		SessionID:     s.ID,
		Metadata:      s.Metadata,
		Email:         s.CustomerEmail,
		PaymentStatus: string(s.PaymentStatus),
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		c.Email = s.CustomerDetails.Email
	}
	if s.Customer != nil {
		c.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		c.SubscriptionID = s.Subscription.ID
	}
	return c, nil
}
