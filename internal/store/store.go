package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/partilha-pro/backend/internal/entitlements"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

const (
	profilesTable      = "public.profiles"
	ordersTable        = "public.encomendas"
	webhookEventsTable = "public.webhook_events"
)

// ErrProfileNotFound is returned when no profile row exists for a user id.
var ErrProfileNotFound = errors.New("profile not found")

// Store provides database-backed accessors for application data. It connects
// with the administrative DSN, so every query scopes rows by user id itself.
type Store struct {
	db   *sql.DB
	jobs *JobStore
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	jobs, err := NewJobStore(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, jobs: jobs}, nil
}

// Jobs exposes the job queue sharing this store's connection.
func (s *Store) Jobs() *JobStore {
	return s.jobs
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProfile loads the profile for userID. Unknown plan values and a missing
// profit share are normalised on read.
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := fmt.Sprintf(`
SELECT
  id::text,
  full_name,
  workshop_name,
  COALESCE(plan, ''),
  pro_labore_percent,
  stripe_customer_id,
  stripe_subscription_id,
  updated_at
FROM %s
WHERE id = $1
`, profilesTable)

	var (
		p            models.Profile
		fullName     sql.NullString
		workshopName sql.NullString
		proLabore    sql.NullInt64
		customerID   sql.NullString
		subID        sql.NullString
		updatedAt    sql.NullTime
		plan         string
	)

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.ID,
		&fullName,
		&workshopName,
		&plan,
		&proLabore,
		&customerID,
		&subID,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("query %s: %w", profilesTable, err)
	}

	p.Plan = string(entitlements.ParsePlan(plan))
	p.FullName = nullStringPtr(fullName)
	p.WorkshopName = nullStringPtr(workshopName)
	p.StripeCustomerID = nullStringPtr(customerID)
	p.StripeSubscriptionID = nullStringPtr(subID)
	p.ProLaborePercent = models.DefaultProLaborePercent
	if proLabore.Valid {
		p.ProLaborePercent = int(proLabore.Int64)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		p.UpdatedAt = &t
	}

	return &p, nil
}

// CountOrders returns how many orders userID currently holds.
func (s *Store) CountOrders(ctx context.Context, userID string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1`, ordersTable)
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", ordersTable, err)
	}
	return n, nil
}

// CreateOrder inserts an order after checking the plan gate. The profile row
// is locked for the duration so two concurrent creations cannot both slip
// under the cap.
func (s *Store) CreateOrder(ctx context.Context, userID string, in models.NewOrder) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create order tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var plan sql.NullString
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT plan FROM %s WHERE id = $1 FOR UPDATE`, profilesTable),
		userID,
	).Scan(&plan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("store: lock profile: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1`, ordersTable),
		userID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("store: count orders: %w", err)
	}

	if err := entitlements.CheckCreate(entitlements.ParsePlan(plan.String), entitlements.ResourceOrders, count); err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID:      userID,
		Client:      in.Client,
		Description: in.Description,
		Value:       in.Value,
		Cost:        in.Cost,
		Status:      models.OrderPending,
	}
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, cliente, descricao, valor, custo, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id::text, created_at`, ordersTable),
		userID, in.Client, in.Description, in.Value, in.Cost, string(models.OrderPending),
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create order: %w", err)
	}
	return order, nil
}

// RecordEntitlement applies a paid checkout to a profile exactly once per
// provider event id. The event claim, the plan write and the follow-up email
// job share one transaction, so a failure anywhere leaves the event
// unclaimed and a redelivery can try again.
func (s *Store) RecordEntitlement(ctx context.Context, e models.Entitlement) (models.WebhookOutcome, error) {
	if e.EventID == "" || e.UserID == "" {
		return "", errors.New("store: entitlement needs an event id and a user id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin entitlement tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	claimed, err := claimEvent(ctx, tx, e.EventID, e.EventType, e.SessionID, e.UserID, models.OutcomeUpgraded)
	if err != nil {
		return "", err
	}
	if !claimed {
		return models.OutcomeDuplicate, nil
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET plan = $2,
		     stripe_customer_id = COALESCE(NULLIF($3, ''), stripe_customer_id),
		     stripe_subscription_id = COALESCE(NULLIF($4, ''), stripe_subscription_id),
		     updated_at = NOW()
		 WHERE id = $1`, profilesTable),
		e.UserID, e.Plan, e.CustomerID, e.SubscriptionID,
	)
	if err != nil {
		return "", fmt.Errorf("store: update profile plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("store: update profile plan rows: %w", err)
	}
	if affected == 0 {
		return "", ErrProfileNotFound
	}

	if e.Email != "" {
		job := NewUpgradeEmailJob(models.UpgradeEmailPayload{UserID: e.UserID, Email: e.Email, Plan: e.Plan})
		job.Metadata = models.JSONB{"event_id": e.EventID}
		if err := enqueue(ctx, tx, job); err != nil {
			return "", fmt.Errorf("store: enqueue upgrade email: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit entitlement: %w", err)
	}
	return models.OutcomeUpgraded, nil
}

// RecordUnattributed notes a paid checkout that names no profile. It reports
// OutcomeDuplicate when the event was seen before.
func (s *Store) RecordUnattributed(ctx context.Context, eventID, eventType, sessionID string) (models.WebhookOutcome, error) {
	claimed, err := claimEvent(ctx, s.db, eventID, eventType, sessionID, "", models.OutcomeUnattributed)
	if err != nil {
		return "", err
	}
	if !claimed {
		return models.OutcomeDuplicate, nil
	}
	return models.OutcomeUnattributed, nil
}

// GetWebhookEvent returns the replay guard row for eventID, or nil.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var (
		evt     models.WebhookEvent
		session sql.NullString
		userID  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT event_id, event_type, session_id, user_id::text, outcome, processed_at
		 FROM %s WHERE event_id = $1`, webhookEventsTable),
		eventID,
	).Scan(&evt.EventID, &evt.EventType, &session, &userID, &evt.Outcome, &evt.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %w", webhookEventsTable, err)
	}
	evt.SessionID = session.String
	evt.UserID = nullStringPtr(userID)
	return &evt, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func claimEvent(ctx context.Context, db execer, eventID, eventType, sessionID, userID string, outcome models.WebhookOutcome) (bool, error) {
	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (event_id, event_type, session_id, user_id, outcome, processed_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid, $5, NOW())
		 ON CONFLICT (event_id) DO NOTHING`, webhookEventsTable),
		eventID, eventType, sessionID, userID, string(outcome),
	)
	if err != nil {
		return false, fmt.Errorf("store: claim webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim webhook event rows: %w", err)
	}
	return n == 1, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}
