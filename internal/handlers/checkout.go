package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/stripe"
)

// maxCheckoutBody bounds the checkout request; it only carries a price id.
const maxCheckoutBody = 4 << 10

// CheckoutSessionCreator opens hosted checkout sessions with the payment provider.
type CheckoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (*stripe.CheckoutSession, error)
}

// CheckoutRequest is the body accepted by the checkout endpoint.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

// CheckoutHandler starts subscription checkouts. It never blocks a checkout
// on authentication: callers that cannot be resolved pay anonymously.
type CheckoutHandler struct {
	sessions CheckoutSessionCreator
	resolver identity.Resolver
	catalog  *stripe.PriceCatalog
	appURL   string
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler. catalog may be nil, in which
// case price ids are forwarded as given.
func NewCheckoutHandler(sessions CheckoutSessionCreator, resolver identity.Resolver, catalog *stripe.PriceCatalog, appURL string, logger zerolog.Logger) (*CheckoutHandler, error) {
	if sessions == nil {
		return nil, errors.New("handlers: checkout session creator cannot be nil")
	}
	return &CheckoutHandler{
		sessions: sessions,
		resolver: resolver,
		catalog:  catalog,
		appURL:   strings.TrimRight(appURL, "/"),
		validate: newValidator(),
		logger:   logger.With().Str("component", "checkout").Logger(),
	}, nil
}

// RegisterRoutes mounts the checkout endpoint and its legacy alias.
func (h *CheckoutHandler) RegisterRoutes(router chi.Router) {
	handler := h.CreateSession()
	router.Post("/api/checkout", handler)
	router.Post("/api/create-checkout-session", handler)
}

// CreateSession handles POST /api/checkout.
func (h *CheckoutHandler) CreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckoutRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
			return
		}
		req.PriceID = strings.TrimSpace(req.PriceID)
		if err := h.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, formatValidationErrors(err), "")
			return
		}

		caller := h.resolveCaller(r)

		priceID := req.PriceID
		if canonical, ok := h.catalog.Canonical(priceID); ok && canonical != priceID {
			h.logger.Debug().Str("requested", priceID).Str("canonical", canonical).Msg("[checkout] price id canonicalised")
			priceID = canonical
		}

		origin := h.origin(r)
		session, err := h.sessions.CreateCheckoutSession(r.Context(), stripe.CheckoutParams{
			PriceID:    priceID,
			SuccessURL: origin + "/ajustes?success=true",
			CancelURL:  origin + "/ajustes?canceled=true",
			Caller:     caller,
		})
		if err != nil {
			pe, ok := stripe.AsProviderError(err)
			if !ok {
				pe = stripe.ProviderError{Message: err.Error()}
			}
			h.logger.Warn().Err(err).Str("price_id", priceID).Str("code", pe.Code).Msg("[checkout] session creation failed")
			writeError(w, http.StatusBadRequest, pe.Message, pe.Code)
			return
		}

		h.logger.Info().
			Str("session_id", session.ID).
			Str("caller", caller.String()).
			Str("price_id", priceID).
			Msg("[checkout] session created")
		writeJSON(w, http.StatusOK, map[string]string{"url": session.URL})
	}
}

func (h *CheckoutHandler) resolveCaller(r *http.Request) identity.Caller {
	res := identity.ResolveRequest(r, h.resolver)
	if caller, ok := res.Caller(); ok {
		return caller
	}
	if !errors.Is(res.Reason(), identity.ErrNoCredentials) {
		h.logger.Warn().Err(res.Reason()).Msg("[checkout] could not resolve caller; continuing anonymously")
	}
	return identity.Anonymous()
}

func (h *CheckoutHandler) origin(r *http.Request) string {
	if origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/"); origin != "" {
		return origin
	}
	return h.appURL
}
