// Package middleware provides HTTP middleware for the portal
package middleware

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/ticket_portal/internal/errors"
	"github.com/R3E-Network/ticket_portal/internal/httputil"
	"github.com/R3E-Network/ticket_portal/internal/logging"
)

// Gate stage names, used in logs and metrics.
const (
	StageIdentity = "identity"
	StageStats    = "stats"
)

// Claims represents JWT claims
type Claims struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller attached to the request context.
type Identity struct {
	UserID     string
	Email      string
	Role       string
	AuthMethod string
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	ctx = logging.WithUserID(ctx, id.UserID)
	if id.Role != "" {
		ctx = logging.WithRole(ctx, id.Role)
	}
	return ctx
}

// IdentityFromContext returns the identity attached by the identity stage.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// DenialRecorder counts gate rejections. *metrics.Metrics implements it.
type DenialRecorder interface {
	RecordGateDenial(stage string, status int)
}

// KeySet holds the verification keys. HS256 tokens need Secret,
// RS256 tokens need PublicKey; at least one must be set.
type KeySet struct {
	Secret    []byte
	PublicKey *rsa.PublicKey
}

// Methods lists the signing algorithms the configured keys can verify.
func (k KeySet) Methods() []string {
	var methods []string
	if k.Secret != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if k.PublicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return methods
}

// ParseKeySet builds a KeySet from a shared secret and/or a PEM public key.
func ParseKeySet(secret, publicKeyPEM string) (KeySet, error) {
	keys := KeySet{}
	if secret != "" {
		keys.Secret = []byte(secret)
	}
	if strings.TrimSpace(publicKeyPEM) != "" {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			return KeySet{}, fmt.Errorf("parse jwt public key: %w", err)
		}
		keys.PublicKey = pub
	}
	if keys.Secret == nil && keys.PublicKey == nil {
		return KeySet{}, fmt.Errorf("no jwt verification key configured (JWT_SECRET or JWT_PUBLIC_KEY)")
	}
	return keys, nil
}

// AuthMiddleware is the identity stage: it verifies a bearer JWT.
type AuthMiddleware struct {
	keys     KeySet
	logger   *logging.Logger
	recorder DenialRecorder
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(keys KeySet, logger *logging.Logger, recorder DenialRecorder) *AuthMiddleware {
	return &AuthMiddleware{
		keys:     keys,
		logger:   logger,
		recorder: recorder,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		id := Identity{
			UserID:     claims.UserID,
			Email:      claims.Email,
			Role:       claims.Role,
			AuthMethod: claims.AuthMethod,
		}
		if id.UserID == "" {
			id.UserID = claims.Subject
		}
		if id.UserID == "" {
			m.respondError(w, r, errors.InvalidToken(nil).WithDetails("reason", "token has no subject"))
			return
		}

		ctx := WithIdentity(r.Context(), id)

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"auth_method": id.AuthMethod,
		}).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if m.keys.Secret != nil {
				return m.keys.Secret, nil
			}
		case *jwt.SigningMethodRSA:
			if m.keys.PublicKey != nil {
				return m.keys.PublicKey, nil
			}
		}
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}, jwt.WithValidMethods(m.keys.Methods()), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	if m.recorder != nil {
		m.recorder.RecordGateDenial(StageIdentity, serviceErr.HTTPStatus)
	}
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
		"stage":  StageIdentity,
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}
