package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_DefaultsToAnonymous(t *testing.T) {
	assert.Equal(t, Anonymous, FromContext(context.Background()).Subject)

	ctx := WithPrincipal(context.Background(), Principal{Subject: "ops@example.com"})
	assert.Equal(t, "ops@example.com", FromContext(ctx).Subject)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier("s3cret", "campaigns")
	require.NoError(t, err)

	tok, err := v.Issue(Principal{Subject: "u1", Name: "Ops"}, time.Hour)
	require.NoError(t, err)
	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "u1", Name: "Ops"}, p)
}

func TestVerifier_Rejects(t *testing.T) {
	v, err := NewVerifier("s3cret", "campaigns")
	require.NoError(t, err)
	other, err := NewVerifier("other", "campaigns")
	require.NoError(t, err)
	wrongIssuer, err := NewVerifier("s3cret", "someone-else")
	require.NoError(t, err)

	forged, err := other.Issue(Principal{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	foreign, err := wrongIssuer.Issue(Principal{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue(Principal{Subject: "u1"}, -time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue(Principal{}, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong key": forged, "wrong issuer": foreign, "expired": expired,
		"no subject": noSubject, "alg none": none, "garbage": "abc.def.ghi",
	} {
		_, err := v.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(" ", "")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier("s3cret", "")
	require.NoError(t, err)
	tok, err := v.Issue(Principal{Subject: "u1"}, time.Hour)
	require.NoError(t, err)

	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context()).Subject
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", seen)
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	var seen string
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context()).Subject
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Anonymous, seen)
}
