package adminapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims is the RS256 bearer token payload issued at /v1/auth/token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParsePublicKey and ParsePrivateKey parse an RSA PEM block for the
// admin API's token signing and verification.
func ParsePublicKey(pem []byte) (*rsa.PublicKey, error) {
	if len(pem) == 0 {
		return nil, fmt.Errorf("guard-agent: admin API public key is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("guard-agent: parsing admin API public key: %w", err)
	}
	return key, nil
}

func ParsePrivateKey(pem []byte) (*rsa.PrivateKey, error) {
	if len(pem) == 0 {
		return nil, fmt.Errorf("guard-agent: admin API private key is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("guard-agent: parsing admin API private key: %w", err)
	}
	return key, nil
}

// signToken issues an RS256 bearer token for username, valid for ttl.
func signToken(privateKey *rsa.PrivateKey, username string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "guard-agent-admin",
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("guard-agent: signing admin API token: %w", err)
	}
	return signed, expiresAt, nil
}

// verifyToken validates an RS256 bearer token against publicKey.
func verifyToken(publicKey *rsa.PublicKey, raw string) (*Claims, error) {
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimSpace(raw)

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("guard-agent: invalid admin API token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("guard-agent: invalid admin API token claims")
	}
	return claims, nil
}

type contextKey string

const usernameContextKey contextKey = "admin_username"

// requireAuth checks the Authorization header against the admin API's
// single RSA key pair.
func requireAuth(publicKey *rsa.PublicKey, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := verifyToken(publicKey, header)
			if err != nil {
				logger.Warn("admin API auth failure", zap.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), usernameContextKey, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
