package models

import "time"

// CheckoutCompletion is the part of a checkout.session.completed event the
// reconciler acts on.
type CheckoutCompletion struct {
	EventID        string            `json:"event_id"`
	SessionID      string            `json:"session_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Email          string            `json:"email,omitempty"`
	CustomerID     string            `json:"customer_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	PaymentStatus  string            `json:"payment_status,omitempty"`
}

// WebhookOutcome is what processing a delivery did.
type WebhookOutcome string

const (
	OutcomeUpgraded     WebhookOutcome = "upgraded"
	OutcomeDuplicate    WebhookOutcome = "duplicate"
	OutcomeUnattributed WebhookOutcome = "unattributed"
	OutcomeIgnored      WebhookOutcome = "ignored"
)

// WebhookEvent is a row of the replay guard table.
type WebhookEvent struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	SessionID   string         `json:"session_id,omitempty"`
	UserID      *string        `json:"user_id,omitempty"`
	Outcome     WebhookOutcome `json:"outcome"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// Entitlement is the plan change a completed checkout grants.
type Entitlement struct {
	EventID        string
	EventType      string
	SessionID      string
	UserID         string
	Email          string
	Plan           string
	CustomerID     string
	SubscriptionID string
}

// UpgradeEmailPayload is the job payload for the welcome email sent after an upgrade.
type UpgradeEmailPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Plan   string `json:"plan"`
}
