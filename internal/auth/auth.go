package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity describes the authenticated caller of a request.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// IdentityFrom returns the authenticated identity stored on the
// request context, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Auth enforces token-based authentication with the role hierarchy.
// When OIDC is enabled its tokens are tried first, then the locally
// issued JWTs.
type Auth struct {
	Tokens       *TokenService
	OIDCEnabled  bool
	OIDCVerifier *OIDCVerifier
}

// RequireRole rejects requests whose caller does not meet the
// required role. The authenticated identity is placed on the request
// context for the wrapped handler.
func (a Auth) RequireRole(required string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing bearer token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		id, ok := a.authenticate(r, token)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if !HasPermission(id.Role, required) {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Str("username", id.Username).
				Str("role", id.Role).
				Str("required_role", required).
				Msg("Insufficient role")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		log.Debug().
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Str("username", id.Username).
			Str("role", id.Role).
			Msg("Authentication successful")
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

// Authenticated admits any caller with a valid token regardless of
// role rank, as long as the role itself is known.
func (a Auth) Authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, ok := a.authenticate(r, token)
		if !ok || !IsValidRole(id.Role) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

func (a Auth) authenticate(r *http.Request, token string) (Identity, bool) {
	// OIDC tokens first when the verifier is configured.
	if a.OIDCEnabled && a.OIDCVerifier != nil {
		if id, err := a.OIDCVerifier.Identify(r.Context(), token); err == nil {
			return id, true
		}
	}

	if a.Tokens != nil {
		claims, err := a.Tokens.Parse(token)
		if err == nil {
			return Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, true
		}
		log.Warn().
			Err(err).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Msg("JWT verification failed")
	}
	return Identity{}, false
}

// ExtractBearerToken is a helper to extract Bearer token from Authorization header
func ExtractBearerToken(authHeader string) string {
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}
	return ""
}
