package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

func newTestGoogleProvider(t *testing.T, validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)) *GoogleProvider {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	return &GoogleProvider{
		clientID:   "client-id.apps.googleusercontent.com",
		httpClient: http.DefaultClient,
		logger:     log,
		validate:   validate,
	}
}

func googlePayload(claims map[string]interface{}) *idtoken.Payload {
	return &idtoken.Payload{
		Issuer:   "https://accounts.google.com",
		Audience: "client-id.apps.googleusercontent.com",
		Subject:  "sub-1",
		Claims:   claims,
	}
}

func TestGoogleValidateToken(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		return googlePayload(map[string]interface{}{
			"email":          "alice@example.edu",
			"email_verified": true,
			"name":           "Alice",
		}), nil
	})

	identity, err := p.ValidateToken(context.Background(), "id-token")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", identity.Subject)
	assert.Equal(t, "alice@example.edu", identity.Email)
	assert.True(t, identity.EmailVerified)
	assert.Equal(t, "Alice", identity.DisplayName)
}

func TestGoogleValidateTokenVerificationFailure(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		return nil, errors.New("idtoken: token expired")
	})

	_, err := p.ValidateToken(context.Background(), "expired")
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryAuth))
}

func TestGoogleValidateTokenRejectsForeignIssuer(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		payload := googlePayload(map[string]interface{}{
			"email":          "alice@example.edu",
			"email_verified": true,
		})
		payload.Issuer = "https://evil.example.com"
		return payload, nil
	})

	_, err := p.ValidateToken(context.Background(), "id-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected issuer")
}

func TestGoogleValidateTokenAcceptsBareIssuer(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		payload := googlePayload(map[string]interface{}{
			"email":          "alice@example.edu",
			"email_verified": true,
		})
		payload.Issuer = "accounts.google.com"
		return payload, nil
	})

	_, err := p.ValidateToken(context.Background(), "id-token")
	assert.NoError(t, err)
}

func TestGoogleValidateTokenRequiresEmail(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		return googlePayload(map[string]interface{}{}), nil
	})

	_, err := p.ValidateToken(context.Background(), "id-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no email claim")
}

func TestGoogleValidateTokenRequiresVerifiedEmail(t *testing.T) {
	p := newTestGoogleProvider(t, func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		return googlePayload(map[string]interface{}{
			"email":          "alice@example.edu",
			"email_verified": false,
		}), nil
	})

	_, err := p.ValidateToken(context.Background(), "id-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not verified")
}

func TestGoogleLogoutUnsupported(t *testing.T) {
	p := newTestGoogleProvider(t, nil)

	err := p.ValidateLogout(context.Background(), "token")
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryAuth))
	assert.Contains(t, err.Error(), "client-side")

	assert.False(t, HasCapability(p, CapabilityServerLogout))
	assert.True(t, HasCapability(p, CapabilityRefreshToken))
}

func TestGoogleOAuthConfig(t *testing.T) {
	p := newTestGoogleProvider(t, nil)

	cfg := p.OAuthConfig()
	assert.Equal(t, config.AuthProviderGoogle, cfg.Provider)
	assert.Equal(t, p.clientID, cfg.ClientID)
	assert.Equal(t, []string{"openid", "email", "profile"}, cfg.Scopes)
	assert.Equal(t, "https://accounts.google.com", cfg.Issuer)
}
