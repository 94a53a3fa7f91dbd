package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hsToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestVerifyDev(t *testing.T) {
	v := NewVerifier(Config{})
	p, err := v.Verify(context.Background(), "garage-7:Admin")
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "garage-7", Role: "admin"}, p)

	_, err = v.Verify(context.Background(), "no-role")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyHMAC(t *testing.T) {
	v := NewVerifier(Config{Mode: "hmac", HMACSecret: "k"})
	ctx := context.Background()

	p, err := v.Verify(ctx, hsToken(t, "k", jwt.MapClaims{"tenant": "t1", "exp": time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, err)
	assert.Equal(t, "t1", p.Tenant)
	assert.Equal(t, "user", p.Role)

	_, err = v.Verify(ctx, hsToken(t, "other", jwt.MapClaims{"tenant": "t1"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(ctx, hsToken(t, "k", jwt.MapClaims{"tenant": "t1", "exp": time.Now().Add(-time.Minute).Unix()}))
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = v.Verify(ctx, hsToken(t, "k", jwt.MapClaims{"role": "admin"}))
	assert.ErrorIs(t, err, ErrMissingTenant)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"tenant": "t1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(ctx, none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"tenant": "t1", "role": "admin"})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	v := NewVerifier(Config{Mode: "jwks", JWKSURL: jwks.URL})
	p, err := v.Verify(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	tok.Header["kid"] = "k2"
	signed, _ = tok.SignedString(key)
	_, err = v.Verify(context.Background(), signed)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	h := Middleware(NewVerifier(Config{}), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(TenantOf(r)))
	}))
	for _, tc := range []struct {
		name   string
		header map[string]string
		code   int
		tenant string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer t1:admin"}, http.StatusOK, "t1"},
		{"dev header", map[string]string{"X-Tenant-Id": "t2"}, http.StatusOK, "t2"},
		{"bad bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"anonymous", nil, http.StatusUnauthorized, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/messages/x", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.tenant, rr.Body.String())
			} else {
				assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			}
		})
	}
}

func TestHeaderFallbackOnlyInDevMode(t *testing.T) {
	h := Middleware(NewVerifier(Config{Mode: "hmac", HMACSecret: "k"}), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-Id", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(WithPrincipal(req.Context(), Principal{Tenant: "t1", Role: "user"})))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(WithPrincipal(req.Context(), Principal{Tenant: "t1", Role: "admin"})))
	assert.Equal(t, http.StatusOK, rr.Code)
}
