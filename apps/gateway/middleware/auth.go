// Package middleware holds the gateway's HTTP middleware: reviewer
// authentication and per-client rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"
)

const (
	// authHeaderParts is the number of parts in a valid Authorization header.
	authHeaderParts = 2
	// bearerScheme is the authentication scheme for Bearer tokens.
	bearerScheme = "bearer"
)

// AuthMiddleware validates reviewer tokens. Every decision endpoint needs
// an authenticated subject; decisions are attributed to it.
type AuthMiddleware struct {
	authenticator security.Authenticator
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authenticator security.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
	}
}

// Middleware creates an HTTP middleware that validates authentication.
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := util.Log(ctx)

		token, ok := bearerToken(r)
		if !ok {
			log.Debug("missing or malformed authorization header", "path", r.URL.Path)
			am.unauthorized(w, "Expected: Bearer <token>")
			return
		}

		authCtx, err := am.authenticator.Authenticate(ctx, token)
		if err != nil {
			log.Debug("token validation failed", "error", err.Error())
			am.unauthorized(w, "Invalid or expired token")
			return
		}

		claims := security.ClaimsFromContext(authCtx)
		reviewerID := ""
		if claims != nil {
			reviewerID, _ = claims.GetSubject()
		}

		log.Debug("authenticated request",
			"reviewer_id", reviewerID,
			"path", r.URL.Path,
		)

		next.ServeHTTP(w, r.WithContext(authCtx))
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", authHeaderParts)
	if len(parts) != authHeaderParts || !strings.EqualFold(parts[0], bearerScheme) {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// unauthorized writes an unauthorized response.
func (am *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="remedy-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}

// GetUserFromContext retrieves the authenticated user claims from context.
func GetUserFromContext(ctx context.Context) *security.AuthenticationClaims {
	return security.ClaimsFromContext(ctx)
}
