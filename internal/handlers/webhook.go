package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/models"
	"github.com/PortNumber53/partilha-pro/backend/internal/stripe"
)

// maxWebhookBody bounds the signed payload read from Stripe.
const maxWebhookBody = 64 << 10

// CheckoutReconciler applies a completed checkout to the caller's profile.
type CheckoutReconciler interface {
	CheckoutCompleted(ctx context.Context, c models.CheckoutCompletion) (models.WebhookOutcome, error)
}

// WebhookHandler receives Stripe webhook deliveries.
type WebhookHandler struct {
	reconciler CheckoutReconciler
	secret     string
	logger     zerolog.Logger
}

// NewWebhookHandler creates a WebhookHandler verifying deliveries with secret.
func NewWebhookHandler(reconciler CheckoutReconciler, secret string, logger zerolog.Logger) (*WebhookHandler, error) {
	if reconciler == nil {
		return nil, errors.New("handlers: reconciler cannot be nil")
	}
	if secret == "" {
		return nil, errors.New("handlers: webhook signing secret is required")
	}
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     secret,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// RegisterRoutes mounts the webhook receiver. Every method is routed here so
// the handler can answer non-POST requests itself.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.HandleFunc("/api/webhooks/stripe", h.Receive())
}

// Receive handles POST /api/webhooks/stripe. The body is verified against
// the signature before anything in it is read. Non-2xx responses make
// Stripe redeliver, so only failures worth retrying return one.
func (h *WebhookHandler) Receive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			h.logger.Warn().Err(err).Msg("[webhook] failed to read body")
			writeError(w, http.StatusBadRequest, "failed to read request body", "")
			return
		}

		event, err := stripe.VerifyEvent(payload, r.Header.Get(stripe.SignatureHeader), h.secret)
		if err != nil {
			h.logger.Warn().Err(err).Msg("[webhook] signature verification failed")
			writeError(w, http.StatusBadRequest, "webhook signature verification failed", "")
			return
		}

		log := h.logger.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

		if event.Type != stripe.EventCheckoutSessionCompleted {
			log.Debug().Msg("[webhook] ignoring unhandled event type")
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}

		completion, err := event.CheckoutCompletion()
		if err != nil {
			log.Error().Err(err).Msg("[webhook] malformed checkout session")
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}

		outcome, err := h.reconciler.CheckoutCompleted(r.Context(), completion)
		if err != nil {
			log.Error().Err(err).Msg("[webhook] reconciliation failed")
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}

		resp := map[string]any{"received": true}
		if outcome == models.OutcomeDuplicate {
			resp["duplicate"] = true
		}
		log.Info().Str("outcome", string(outcome)).Msg("[webhook] processed")
		writeJSON(w, http.StatusOK, resp)
	}
}
