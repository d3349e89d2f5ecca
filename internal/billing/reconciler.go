// Package billing turns verified payment events into plan changes.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/entitlements"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

// Store persists entitlement changes behind the replay guard.
type Store interface {
	RecordEntitlement(ctx context.Context, e models.Entitlement) (models.WebhookOutcome, error)
	RecordUnattributed(ctx context.Context, eventID, eventType, sessionID string) (models.WebhookOutcome, error)
}

// Reconciler applies completed checkouts to profiles.
type Reconciler struct {
	store  Store
	logger zerolog.Logger
}

// NewReconciler creates a Reconciler writing through store.
func NewReconciler(store Store, logger zerolog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("billing: store cannot be nil")
	}
	return &Reconciler{store: store, logger: logger.With().Str("component", "reconciler").Logger()}, nil
}

// CheckoutCompleted upgrades the profile named in the session metadata to
// pro. Sessions without a usable caller are recorded as unattributed and
// logged loudly: money was taken but no account can be credited. Any error
// returned means nothing was committed and the event should be redelivered.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, c models.CheckoutCompletion) (models.WebhookOutcome, error) {
	if c.EventID == "" {
		return "", errors.New("billing: checkout completion has no event id")
	}

	log := r.logger.With().
		Str("event_id", c.EventID).
		Str("session_id", c.SessionID).
		Logger()

	caller := identity.FromMetadata(c.Metadata, c.Email)
	userID, ok := caller.ID()
	if !ok {
		outcome, err := r.store.RecordUnattributed(ctx, c.EventID, eventType, c.SessionID)
		if err != nil {
			return "", fmt.Errorf("billing: record unattributed checkout: %w", err)
		}
		if outcome == models.OutcomeUnattributed {
			log.Error().
				Str("metadata_user_id", c.Metadata[identity.MetadataKey]).
				Str("customer_id", c.CustomerID).
				Str("email", c.Email).
				Msg("[billing] paid checkout has no attributable user; entitlement not granted")
		}
		return outcome, nil
	}

	outcome, err := r.store.RecordEntitlement(ctx, models.Entitlement{
		EventID:        c.EventID,
		EventType:      eventType,
		SessionID:      c.SessionID,
		UserID:         userID,
		Email:          caller.Email(),
		Plan:           string(entitlements.PlanPro),
		CustomerID:     c.CustomerID,
		SubscriptionID: c.SubscriptionID,
	})
	if err != nil {
		return "", fmt.Errorf("billing: upgrade %s: %w", userID, err)
	}

	switch outcome {
	case models.OutcomeDuplicate:
		log.Info().Str("user_id", userID).Msg("[billing] checkout already applied; skipping")
	default:
		log.Info().Str("user_id", userID).Msg("[billing] profile upgraded to pro")
	}
	return outcome, nil
}

const eventType = "checkout.session.completed"
