package middleware

import (
	"context"
	"crypto/rsa"
	"net/http"
	"os"
	"strings"

	"sensor-service/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

// JWTAuthMiddlewareRS256 rejects requests without a valid RS256 token. Only RS256 is accepted.
func JWTAuthMiddlewareRS256(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := extractToken(r)
			if tokenStr == "" {
				errors.WriteError(w, errors.NewAppError(http.StatusUnauthorized, "missing token", nil))
				return
			}
			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
				return pubKey, nil
			})
			if err != nil || !token.Valid {
				errors.WriteError(w, errors.NewAppError(http.StatusUnauthorized, "invalid token", err))
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Optional applies mw only when enabled.
func Optional(enabled bool, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}

func extractToken(r *http.Request) string {
	// Authorization: Bearer <token>
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	if tok := r.URL.Query().Get("token"); tok != "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return tok
	}
	return ""
}
