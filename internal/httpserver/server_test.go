package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/config"
	"github.com/PortNumber53/partilha-pro/backend/internal/handlers"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
	"github.com/PortNumber53/partilha-pro/backend/internal/stripe"
)

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

type stubSessions struct{}

func (stubSessions) CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

type stubAccounts struct{}

func (stubAccounts) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return &models.Profile{ID: userID, Plan: "free", ProLaborePercent: 50}, nil
}

func (stubAccounts) CountOrders(ctx context.Context, userID string) (int, error) { return 0, nil }

func (stubAccounts) CreateOrder(ctx context.Context, userID string, in models.NewOrder) (*models.Order, error) {
	return &models.Order{ID: "ord_1", UserID: userID}, nil
}

type denyAll struct{}

func (denyAll) Resolve(ctx context.Context, token string) identity.Resolution {
	return identity.Unresolved(identity.ErrInvalidToken)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, func(*config.Config) {})
}

func newTestServerWith(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{
		ServerAddress: ":0",
		CORSOrigins:   []string{"*"},
		AppURL:        "https://app.partilhapro.test",
		Checkout:      config.CheckoutConfig{RateLimit: 1, RateBurst: 2},
	}
	mutate(&cfg)

	checkout, err := handlers.NewCheckoutHandler(stubSessions{}, denyAll{}, nil, cfg.AppURL, zerolog.Nop())
	if err != nil {
		t.Fatalf("checkout handler: %v", err)
	}
	account, err := handlers.NewAccountHandler(stubAccounts{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("account handler: %v", err)
	}

	server := New(cfg, Deps{
		DB:       okPinger{},
		Resolver: denyAll{},
		Checkout: checkout,
		Account:  account,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	return server
}

func postCheckout(server *Server, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"priceId":"price_pro"}`))
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr.Code
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestCheckoutPreflight(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/checkout", nil)
	req.Header.Set("Origin", "https://app.partilhapro.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization, x-client-info, apikey, content-type")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code >= 300 {
		t.Fatalf("expected 2xx preflight got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected Access-Control-Allow-Origin header")
	}
	if !strings.Contains(strings.ToLower(rr.Header().Get("Access-Control-Allow-Headers")), "authorization") {
		t.Fatalf("expected authorization to be allowed, got %q", rr.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestCheckoutIsRateLimited(t *testing.T) {
	server := newTestServer(t)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"priceId":"price_pro"}`))
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if i < 2 && rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, rr.Code)
		}
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	server := newTestServer(t)

	codes := []int{
		postCheckout(server, "203.0.113.10:4000", "198.51.100.1"),
		postCheckout(server, "203.0.113.10:4000", "198.51.100.2"),
		postCheckout(server, "203.0.113.10:4000", "198.51.100.3"),
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For must not reset the bucket, got %v", codes)
	}
}

func TestRateLimitUsesForwardedForBehindTrustedProxy(t *testing.T) {
	server := newTestServerWith(t, func(cfg *config.Config) { cfg.TrustProxyHeaders = true })

	for i, client := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		if code := postCheckout(server, "10.0.0.2:4000", client); code != http.StatusOK {
			t.Fatalf("request %d from %s: expected 200 got %d", i, client, code)
		}
	}
}

func TestAccountRoutesRequireCaller(t *testing.T) {
	server := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/profile"},
		{http.MethodPost, "/api/orders"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer forged")
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 got %d", tc.method, tc.path, rr.Code)
		}
	}
}
