package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates tokens issued by an external identity
// provider and maps their role claim onto the local role hierarchy.
type OIDCVerifier struct {
	verifier   *oidc.IDTokenVerifier
	rolesClaim string
}

// NewOIDCVerifier discovers the provider configuration from the
// issuer URL. This performs a network call.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, audience, rolesClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}

	cfg := &oidc.Config{ClientID: clientID}
	if audience != "" {
		cfg.ClientID = audience
	}
	if cfg.ClientID == "" {
		cfg.SkipClientIDCheck = true
	}
	if rolesClaim == "" {
		rolesClaim = "roles"
	}

	return &OIDCVerifier{
		verifier:   provider.Verifier(cfg),
		rolesClaim: rolesClaim,
	}, nil
}

// Identify verifies the token and returns the caller identity. The
// highest-ranked local role named in the roles claim wins; a token
// without any known role is rejected.
func (v *OIDCVerifier) Identify(ctx context.Context, rawToken string) (Identity, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode token claims: %w", err)
	}

	id := Identity{UserID: token.Subject}
	if s, ok := claims["preferred_username"].(string); ok && s != "" {
		id.Username = s
	} else if s, ok := claims["email"].(string); ok {
		id.Username = s
	}

	for _, role := range stringSlice(claims[v.rolesClaim]) {
		if Rank(role) > Rank(id.Role) {
			id.Role = role
		}
	}
	if id.Role == "" {
		return Identity{}, fmt.Errorf("token carries no known role in claim %q", v.rolesClaim)
	}
	return id, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	default:
		return nil
	}
}
