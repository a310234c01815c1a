package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/users"
)

// stubProvider is a minimal identity backend for service tests.
type stubProvider struct {
	identity    *Identity
	validateErr error
	logoutErr   error
	logoutCalls int
}

var _ Provider = (*stubProvider)(nil)

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	return s.identity, nil
}

func (s *stubProvider) GetUserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	return s.identity, nil
}

func (s *stubProvider) OAuthConfig() OAuthConfig {
	return OAuthConfig{Provider: "stub", ClientID: "stub-client"}
}

func (s *stubProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return &TokenPair{}, nil
}

func (s *stubProvider) ValidateLogout(ctx context.Context, token string) error {
	s.logoutCalls++
	return s.logoutErr
}

func (s *stubProvider) Capabilities() []Capability {
	return []Capability{CapabilityRefreshToken}
}

func newTestAuthService(t *testing.T, provider Provider, expiry string) *Service {
	t.Helper()
	db, err := database.NewDB("", filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := logger.New("error")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Auth.SessionSecret = "test-secret"
	cfg.Auth.SessionExpiry = expiry

	svc, err := NewService(users.NewService(db, zap.NewNop()), provider, cfg, log)
	require.NoError(t, err)
	return svc
}

func testIdentity() *Identity {
	return &Identity{
		Subject:       "sub-1",
		Email:         "alice@example.edu",
		EmailVerified: true,
		DisplayName:   "Alice",
	}
}

func TestExchangeTokenRoundTrip(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "12h")
	ctx := context.Background()

	resp, err := svc.ExchangeToken(ctx, "provider-id-token")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice@example.edu", resp.User.Email)
	assert.Equal(t, models.RoleAdmin, resp.User.Role)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), resp.ExpiresAt, time.Minute)

	user, err := svc.ValidateSession(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, user.ID)
}

func TestExchangeTokenProviderRejection(t *testing.T) {
	provider := &stubProvider{
		validateErr: platform.NewAuthError("stub", "validate_token", "token verification failed", nil),
	}
	svc := newTestAuthService(t, provider, "12h")

	_, err := svc.ExchangeToken(context.Background(), "bad-token")
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryAuth))
}

func TestValidateSessionRejectsTamperedToken(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "12h")
	ctx := context.Background()

	resp, err := svc.ExchangeToken(ctx, "provider-id-token")
	require.NoError(t, err)

	parts := strings.Split(resp.Token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]

	_, err = svc.ValidateSession(ctx, tampered)
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryAuth))
}

func TestValidateSessionRejectsWrongSecret(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "12h")
	ctx := context.Background()

	resp, err := svc.ExchangeToken(ctx, "provider-id-token")
	require.NoError(t, err)

	other := *svc
	other.jwtSecret = []byte("different-secret")
	_, err = other.ValidateSession(ctx, resp.Token)
	assert.Error(t, err)
}

func TestValidateSessionRejectsExpiredToken(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "1ns")
	ctx := context.Background()

	resp, err := svc.ExchangeToken(ctx, "provider-id-token")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = svc.ValidateSession(ctx, resp.Token)
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryAuth))
}

func TestNewServiceRejectsBadExpiry(t *testing.T) {
	db, err := database.NewDB("", filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := logger.New("error")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Auth.SessionExpiry = "twelve hours"

	_, err = NewService(users.NewService(db, zap.NewNop()), &stubProvider{}, cfg, log)
	require.Error(t, err)
	assert.True(t, platform.IsCategory(err, platform.CategoryConfiguration))
}

func TestLogoutDelegatesToProvider(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "12h")

	require.NoError(t, svc.Logout(context.Background(), "access-token"))
	assert.Equal(t, 1, provider.logoutCalls)

	provider.logoutErr = platform.NewAuthError("stub", "validate_logout", "not supported", nil)
	assert.Error(t, svc.Logout(context.Background(), "access-token"))
}

func TestConfigResponse(t *testing.T) {
	provider := &stubProvider{identity: testIdentity()}
	svc := newTestAuthService(t, provider, "12h")

	resp := svc.ConfigResponse()
	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, "stub-client", resp.ClientID)
	assert.Equal(t, []string{"refresh_token"}, resp.Capabilities)
}

func TestHasCapability(t *testing.T) {
	provider := &stubProvider{}
	assert.True(t, HasCapability(provider, CapabilityRefreshToken))
	assert.False(t, HasCapability(provider, CapabilityServerLogout))
}
