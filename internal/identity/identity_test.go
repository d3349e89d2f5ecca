package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "super-secret-jwt-token-with-at-least-32-characters"
	testUserID = "5b0e7f2c-3c1e-4a8a-9c55-1f2d3e4a5b6c"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   testUserID,
		"email": "ana@example.com",
		"aud":   "authenticated",
		"iss":   "https://project.supabase.co/auth/v1",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func newTestResolver(t *testing.T) *JWTResolver {
	t.Helper()
	r, err := NewJWTResolver(JWTConfig{
		Secret:   testSecret,
		Issuer:   "https://project.supabase.co/auth/v1",
		Audience: "authenticated",
	})
	require.NoError(t, err)
	return r
}

func TestCallerVariants(t *testing.T) {
	anon := Anonymous()
	assert.True(t, anon.IsAnonymous())
	assert.Equal(t, "anonymous", anon.MetadataValue())
	_, ok := anon.ID()
	assert.False(t, ok)

	user := Identified(testUserID, "ana@example.com")
	id, ok := user.ID()
	assert.True(t, ok)
	assert.Equal(t, testUserID, id)
	assert.Equal(t, testUserID, user.MetadataValue())
	assert.Equal(t, "ana@example.com", user.Email())

	assert.True(t, Identified("  ", "x@example.com").IsAnonymous())
}

func TestFromMetadata(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]string
		wantAnon bool
	}{
		{name: "nil metadata", metadata: nil, wantAnon: true},
		{name: "missing key", metadata: map[string]string{"other": "x"}, wantAnon: true},
		{name: "anonymous marker", metadata: map[string]string{MetadataKey: "anonymous"}, wantAnon: true},
		{name: "anonymous marker any case", metadata: map[string]string{MetadataKey: "Anonymous"}, wantAnon: true},
		{name: "not a uuid", metadata: map[string]string{MetadataKey: "U123"}, wantAnon: true},
		{name: "user id", metadata: map[string]string{MetadataKey: testUserID}, wantAnon: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := FromMetadata(tc.metadata, "ana@example.com")
			assert.Equal(t, tc.wantAnon, c.IsAnonymous())
		})
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	user := Identified(testUserID, "ana@example.com")
	back := FromMetadata(map[string]string{MetadataKey: user.MetadataValue()}, "ana@example.com")
	id, ok := back.ID()
	require.True(t, ok)
	assert.Equal(t, testUserID, id)

	// Ids are opaque to the checkout, but only UUIDs can name a profile row,
	// so a free-form id does not survive the payment hop.
	legacy := Identified("U123", "")
	assert.Equal(t, "U123", legacy.MetadataValue())
	assert.True(t, FromMetadata(map[string]string{MetadataKey: legacy.MetadataValue()}, "").IsAnonymous())

	assert.True(t, FromMetadata(map[string]string{MetadataKey: Anonymous().MetadataValue()}, "").IsAnonymous())
}

func TestJWTResolverResolvesValidToken(t *testing.T) {
	r := newTestResolver(t)

	res := r.Resolve(context.Background(), signToken(t, validClaims()))
	require.True(t, res.Ok(), "unexpected reason: %v", res.Reason())

	c, ok := res.Caller()
	require.True(t, ok)
	id, _ := c.ID()
	assert.Equal(t, testUserID, id)
	assert.Equal(t, "ana@example.com", c.Email())
}

func TestJWTResolverRejectsBadTokens(t *testing.T) {
	r := newTestResolver(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	wrongAudience := validClaims()
	wrongAudience["aud"] = "anon"

	badSubject := validClaims()
	badSubject["sub"] = "service-role"

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	cases := map[string]string{
		"expired":        signToken(t, expired),
		"wrong audience": signToken(t, wrongAudience),
		"bad subject":    signToken(t, badSubject),
		"no expiry":      signToken(t, noExpiry),
		"garbage":        "not-a-jwt",
	}

	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			res := r.Resolve(context.Background(), tok)
			assert.False(t, res.Ok())
			assert.True(t, errors.Is(res.Reason(), ErrInvalidToken))
			_, ok := res.Caller()
			assert.False(t, ok)
		})
	}
}

func TestJWTResolverRejectsForeignSecret(t *testing.T) {
	r := newTestResolver(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	signed, err := tok.SignedString([]byte("a-completely-different-secret-value-000"))
	require.NoError(t, err)

	assert.False(t, r.Resolve(context.Background(), signed).Ok())
}

func TestNewJWTResolverRequiresKeyMaterial(t *testing.T) {
	_, err := NewJWTResolver(JWTConfig{})
	assert.Error(t, err)
}

func TestResolveRequest(t *testing.T) {
	r := newTestResolver(t)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	res := ResolveRequest(req, r)
	assert.ErrorIs(t, res.Reason(), ErrNoCredentials)

	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.ErrorIs(t, ResolveRequest(req, r).Reason(), ErrNoCredentials)

	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims()))
	assert.True(t, ResolveRequest(req, r).Ok())
}

func TestCallerContext(t *testing.T) {
	assert.True(t, CallerFrom(context.Background()).IsAnonymous())

	ctx := WithCaller(context.Background(), Identified(testUserID, ""))
	id, ok := CallerFrom(ctx).ID()
	assert.True(t, ok)
	assert.Equal(t, testUserID, id)
}
