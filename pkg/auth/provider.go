package auth

import "context"

// Capability names an optional behavior an identity backend supports.
type Capability string

const (
	// CapabilityRefreshToken means the backend can mint new tokens from a
	// refresh token.
	CapabilityRefreshToken Capability = "refresh_token"
	// CapabilityServerLogout means the backend can revoke sessions
	// server-side. Backends without it support client-side logout only.
	CapabilityServerLogout Capability = "server_logout"
)

// Identity is a normalized view of a verified provider token.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	RawClaims     map[string]interface{}
}

// OAuthConfig is what the external OAuth-flow collaborator needs to run the
// authorization code flow against the active backend.
type OAuthConfig struct {
	Provider     string   `json:"provider"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
	Issuer       string   `json:"issuer"`
}

// TokenPair is the result of a refresh-token exchange.
type TokenPair struct {
	IDToken     string
	AccessToken string
}

// Provider is the identity backend abstraction. One backend is selected per
// process at startup; callers never branch on which one is active.
type Provider interface {
	// Name returns the backend identifier ("google" or "cognito").
	Name() string

	// ValidateToken verifies an ID token's signature, issuer, and audience
	// and returns the normalized identity.
	ValidateToken(ctx context.Context, token string) (*Identity, error)

	// GetUserInfo resolves identity from an opaque access token via the
	// backend's userinfo endpoint.
	GetUserInfo(ctx context.Context, accessToken string) (*Identity, error)

	// OAuthConfig exposes the client configuration for the OAuth flow.
	OAuthConfig() OAuthConfig

	// RefreshToken exchanges a refresh token for new tokens. Backends
	// without CapabilityRefreshToken return an auth error.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// ValidateLogout revokes the session server-side where the backend
	// supports it. Without CapabilityServerLogout it returns an auth error
	// naming the limitation; callers fall back to client-side logout.
	ValidateLogout(ctx context.Context, token string) error

	// Capabilities lists the optional behaviors this backend supports.
	Capabilities() []Capability
}

// HasCapability reports whether the provider advertises c.
func HasCapability(p Provider, c Capability) bool {
	for _, got := range p.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}
