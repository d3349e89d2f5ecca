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

	"github.com/PortNumber53/partilha-pro/backend/internal/entitlements"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
	"github.com/PortNumber53/partilha-pro/backend/internal/store"
)

// AccountStore defines the profile and order operations the account
// endpoints need.
type AccountStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	CountOrders(ctx context.Context, userID string) (int, error)
	CreateOrder(ctx context.Context, userID string, in models.NewOrder) (*models.Order, error)
}

// AccountHandler serves the signed-in caller's profile and orders. Routes
// must sit behind middleware.RequireCaller.
type AccountHandler struct {
	store    AccountStore
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(s AccountStore, logger zerolog.Logger) (*AccountHandler, error) {
	if s == nil {
		return nil, errors.New("handlers: account store cannot be nil")
	}
	return &AccountHandler{
		store:    s,
		validate: newValidator(),
		logger:   logger.With().Str("component", "account").Logger(),
	}, nil
}

// RegisterRoutes mounts the account endpoints on router.
func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/profile", h.Profile())
	router.Post("/api/orders", h.CreateOrder())
}

// ProfileResponse is the body of GET /api/profile.
type ProfileResponse struct {
	Profile      *models.Profile      `json:"profile"`
	Entitlements entitlements.Summary `json:"entitlements"`
}

// Profile returns the caller's profile with its entitlement summary.
func (h *AccountHandler) Profile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}

		profile, err := h.store.GetProfile(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrProfileNotFound) {
				writeError(w, http.StatusNotFound, "profile not found", "")
				return
			}
			h.logger.Error().Err(err).Str("user_id", userID).Msg("[account] failed to load profile")
			writeError(w, http.StatusInternalServerError, "failed to load profile", "")
			return
		}

		orders, err := h.store.CountOrders(r.Context(), userID)
		if err != nil {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("[account] failed to count orders")
			writeError(w, http.StatusInternalServerError, "failed to load profile", "")
			return
		}

		summary := entitlements.Summarize(entitlements.ParsePlan(profile.Plan), map[entitlements.Resource]int{
			entitlements.ResourceOrders: orders,
		})
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: profile, Entitlements: summary})
	}
}

// CreateOrder inserts an order unless the caller's plan cap is reached.
func (h *AccountHandler) CreateOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}

		var in models.NewOrder
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
			return
		}
		in.Client = strings.TrimSpace(in.Client)
		in.Description = strings.TrimSpace(in.Description)
		if err := h.validate.Struct(in); err != nil {
			writeError(w, http.StatusBadRequest, formatValidationErrors(err), "")
			return
		}

		order, err := h.store.CreateOrder(r.Context(), userID, in)
		if err != nil {
			var limitErr *entitlements.LimitError
			switch {
			case errors.As(err, &limitErr):
				writeError(w, http.StatusForbidden, limitErr.Error(), "limit_reached")
			case errors.Is(err, store.ErrProfileNotFound):
				writeError(w, http.StatusNotFound, "profile not found", "")
			default:
				h.logger.Error().Err(err).Str("user_id", userID).Msg("[account] failed to create order")
				writeError(w, http.StatusInternalServerError, "failed to create order", "")
			}
			return
		}

		writeJSON(w, http.StatusCreated, order)
	}
}

func callerID(r *http.Request) (string, bool) {
	return identity.CallerFrom(r.Context()).ID()
}
