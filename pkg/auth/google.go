package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleProvider verifies Google ID tokens through the provider library,
// which handles key rotation internally. Google offers no server-side
// session revocation for this flow, so logout is client-side only.
type GoogleProvider struct {
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
	logger       *logger.Logger

	// validate is swappable for tests.
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

// NewGoogleProvider creates a Google-backed identity provider.
func NewGoogleProvider(cfg *config.Config, log *logger.Logger) (*GoogleProvider, error) {
	if cfg.Auth.Google.ClientID == "" {
		return nil, platform.NewConfigurationError("google auth requires CMBCLUSTER_GOOGLE_CLIENT_ID", nil)
	}

	return &GoogleProvider{
		clientID:     cfg.Auth.Google.ClientID,
		clientSecret: cfg.Auth.Google.ClientSecret,
		redirectURL:  cfg.Auth.Google.RedirectURL,
		httpClient:   http.DefaultClient,
		logger:       log.WithProvider(config.AuthProviderGoogle),
		validate:     idtoken.Validate,
	}, nil
}

func (p *GoogleProvider) Name() string {
	return config.AuthProviderGoogle
}

// ValidateToken verifies the ID token against Google's published keys and
// checks issuer, audience, and the verified-email claim.
func (p *GoogleProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	payload, err := p.validate(ctx, token, p.clientID)
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "validate_token", "token verification failed", err)
	}

	if payload.Issuer != "https://accounts.google.com" && payload.Issuer != "accounts.google.com" {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "validate_token",
			fmt.Sprintf("unexpected issuer %q", payload.Issuer), nil)
	}

	identity := &Identity{
		Subject:   payload.Subject,
		RawClaims: payload.Claims,
	}
	if email, ok := payload.Claims["email"].(string); ok {
		identity.Email = email
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok {
		identity.EmailVerified = verified
	}
	if name, ok := payload.Claims["name"].(string); ok {
		identity.DisplayName = name
	}

	if identity.Email == "" {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "validate_token", "token carries no email claim", nil)
	}
	if !identity.EmailVerified {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "validate_token",
			fmt.Sprintf("email %s is not verified", identity.Email), nil)
	}

	return identity, nil
}

// GetUserInfo resolves identity from an opaque access token via the OpenID
// Connect userinfo endpoint.
func (p *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfoURL, nil)
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "get_user_info", "failed to build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "get_user_info", "userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "get_user_info",
			fmt.Sprintf("userinfo returned status %d", resp.StatusCode), nil)
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "get_user_info", "failed to decode userinfo response", err)
	}

	return &Identity{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		DisplayName:   info.Name,
	}, nil
}

func (p *GoogleProvider) OAuthConfig() OAuthConfig {
	return OAuthConfig{
		Provider:     config.AuthProviderGoogle,
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  p.redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Issuer:       "https://accounts.google.com",
	}
}

// RefreshToken exchanges a refresh token through the standard OAuth endpoint.
func (p *GoogleProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  p.redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderGoogle, "refresh_token", "refresh exchange failed", err)
	}

	pair := &TokenPair{AccessToken: token.AccessToken}
	if id, ok := token.Extra("id_token").(string); ok {
		pair.IDToken = id
	}
	return pair, nil
}

// ValidateLogout always fails: Google has no server-side revocation for this
// flow. Clients discard their tokens locally instead.
func (p *GoogleProvider) ValidateLogout(ctx context.Context, token string) error {
	return platform.NewAuthError(config.AuthProviderGoogle, "validate_logout",
		"server-side logout is not supported, discard tokens client-side", nil)
}

func (p *GoogleProvider) Capabilities() []Capability {
	return []Capability{CapabilityRefreshToken}
}
