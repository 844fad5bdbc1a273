package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key *rsa.PrivateKey, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Role: "resident",
		Name: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func protected(key *rsa.PublicKey) http.Handler {
	return JWTAuthMiddlewareRS256(key)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := GetClaims(r)
		if c == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(c.Subject))
	}))
}

func TestJWTAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := protected(&key.PublicKey)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, key, time.Now().Add(time.Hour)), http.StatusOK},
		{"expired", "Bearer " + signToken(t, key, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"wrong key", "Bearer " + signToken(t, other, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rw := httptest.NewRecorder()
			h.ServeHTTP(rw, req)
			assert.Equal(t, tc.want, rw.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, "user-1", rw.Body.String())
			}
		})
	}
}

func TestJWTAuthRejectsHS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rw := httptest.NewRecorder()
	protected(&key.PublicKey).ServeHTTP(rw, req)
	assert.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestTokenFromCookie(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/ws/sensors", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: signToken(t, key, time.Now().Add(time.Hour))})
	rw := httptest.NewRecorder()
	protected(&key.PublicKey).ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestOptionalDisabledPassesThrough(t *testing.T) {
	h := Optional(false, JWTAuthMiddlewareRS256(nil))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	assert.Equal(t, http.StatusNoContent, rw.Code)
}

func TestLoadRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt_public.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	got, err := LoadRSAPublicKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, got.N)

	_, err = LoadRSAPublicKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
