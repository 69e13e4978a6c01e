// Package auth authenticates callers of the provisioning and approval
// endpoints with HS256 bearer tokens. A token's subject is the caller id;
// an optional approver_role claim lets the caller sign off for that role.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// Issuer is the iss claim of tokens minted by this service.
const Issuer = "permengine"

// MinSecretLen is the minimum HMAC secret length in bytes.
const MinSecretLen = 32

// Claims are the JWT claims accepted by the API. An unknown approver_role
// fails decoding, so such tokens never validate.
type Claims struct {
	jwt.RegisteredClaims
	ApproverRole contracts.ApproverRole `json:"approver_role,omitempty"`
}

// JWTValidator validates and issues HS256 tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator over secret.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d bytes", MinSecretLen)
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

// Validate parses tokenStr and checks its signature, expiry, and claims.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: validator uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject valid for ttl. role may be empty.
func (v *JWTValidator) Issue(subject string, role contracts.ApproverRole, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ApproverRole: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// NewMiddleware rejects requests without a valid bearer token and stores
// the Caller in the context. A nil validator rejects everything.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := WithCaller(r.Context(), &Caller{ID: claims.Subject, Role: claims.ApproverRole})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
