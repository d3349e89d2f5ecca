package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/entitlements"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
	"github.com/PortNumber53/partilha-pro/backend/internal/store"
)

type fakeAccountStore struct {
	profiles map[string]*models.Profile
	orders   map[string]int
	err      error
}

func (f *fakeAccountStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeAccountStore) CountOrders(ctx context.Context, userID string) (int, error) {
	return f.orders[userID], nil
}

func (f *fakeAccountStore) CreateOrder(ctx context.Context, userID string, in models.NewOrder) (*models.Order, error) {
	p, ok := f.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	if err := entitlements.CheckCreate(entitlements.ParsePlan(p.Plan), entitlements.ResourceOrders, f.orders[userID]); err != nil {
		return nil, err
	}
	f.orders[userID]++
	return &models.Order{
		ID:        "ord_1",
		UserID:    userID,
		Client:    in.Client,
		Value:     in.Value,
		Status:    models.OrderPending,
		CreatedAt: time.Now(),
	}, nil
}

func newAccountFixture(plan string, orders int) (*fakeAccountStore, http.Handler) {
	s := &fakeAccountStore{
		profiles: map[string]*models.Profile{
			testUserID: {ID: testUserID, Plan: plan, ProLaborePercent: models.DefaultProLaborePercent},
		},
		orders: map[string]int{testUserID: orders},
	}
	h, _ := NewAccountHandler(s, zerolog.Nop())
	router := chi.NewRouter()
	h.RegisterRoutes(router)
	return s, router
}

func asCaller(req *http.Request, id string) *http.Request {
	return req.WithContext(identity.WithCaller(req.Context(), identity.Identified(id, "")))
}

func TestProfileReturnsEntitlementSummary(t *testing.T) {
	_, router := newAccountFixture("free", 10)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asCaller(httptest.NewRequest(http.MethodGet, "/api/profile", nil), testUserID))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	var resp ProfileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Profile.ProLaborePercent != 50 {
		t.Fatalf("expected default pro labore, got %d", resp.Profile.ProLaborePercent)
	}
	if resp.Entitlements.Plan != entitlements.PlanFree {
		t.Fatalf("expected free plan, got %s", resp.Entitlements.Plan)
	}
	orders := resp.Entitlements.Resources[entitlements.ResourceOrders]
	if orders.Limit == nil || *orders.Limit != 10 || orders.Used != 10 || !orders.LimitReached {
		t.Fatalf("unexpected order usage %+v", orders)
	}
	if resp.Entitlements.Features[entitlements.FeaturePDFExport] {
		t.Fatalf("pdf export must be gated on the free plan")
	}
}

func TestProfileErrors(t *testing.T) {
	_, router := newAccountFixture("pro", 0)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without caller, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, asCaller(httptest.NewRequest(http.MethodGet, "/api/profile", nil), otherUserID))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing profile, got %d", rr.Code)
	}

	s := &fakeAccountStore{err: errors.New("connection reset")}
	h, _ := NewAccountHandler(s, zerolog.Nop())
	rr = httptest.NewRecorder()
	h.Profile().ServeHTTP(rr, asCaller(httptest.NewRequest(http.MethodGet, "/api/profile", nil), testUserID))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
}

func postOrder(router http.Handler, body string) *httptest.ResponseRecorder {
	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body)), testUserID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateOrderAtFreeLimitBoundary(t *testing.T) {
	_, router := newAccountFixture("free", 9)

	rr := postOrder(router, `{"cliente":"Maria","descricao":"Bolo","valor":120,"custo":40}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("10th order: expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	rr = postOrder(router, `{"cliente":"Joana","valor":80}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("11th order: expected 403 got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["code"] != "limit_reached" {
		t.Fatalf("unexpected code %v", body["code"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "10") {
		t.Fatalf("expected descriptive limit message, got %q", msg)
	}
}

func TestCreateOrderProIsUncapped(t *testing.T) {
	_, router := newAccountFixture("pro", 250)
	if rr := postOrder(router, `{"cliente":"Maria","valor":10}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	_, router := newAccountFixture("free", 0)

	for name, body := range map[string]string{
		"missing client": `{"valor":10}`,
		"negative value": `{"cliente":"Maria","valor":-1}`,
		"not json":       `cliente=Maria`,
	} {
		t.Run(name, func(t *testing.T) {
			if rr := postOrder(router, body); rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rr.Code)
			}
		})
	}
}
