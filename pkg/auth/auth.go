package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/users"
)

const sessionIssuer = "cmbcluster"

// Service exchanges verified provider identities for signed session tokens
// and validates those tokens on later requests.
type Service struct {
	userService *users.Service
	provider    Provider
	jwtSecret   []byte
	expiry      time.Duration
	logger      *logger.Logger
}

// NewService creates a new auth service
func NewService(userService *users.Service, provider Provider, cfg *config.Config, log *logger.Logger) (*Service, error) {
	secret := cfg.Auth.SessionSecret
	if secret == "" {
		secret = "change-me-in-production"
		log.Warn("session secret is not set, using insecure default")
	}

	expiry, err := time.ParseDuration(cfg.Auth.SessionExpiry)
	if err != nil {
		return nil, platform.NewConfigurationError(
			fmt.Sprintf("invalid session expiry %q", cfg.Auth.SessionExpiry), err)
	}

	return &Service{
		userService: userService,
		provider:    provider,
		jwtSecret:   []byte(secret),
		expiry:      expiry,
		logger:      log,
	}, nil
}

// GetUserService returns the user service (for access in handlers)
func (s *Service) GetUserService() *users.Service {
	return s.userService
}

// Provider returns the active identity backend.
func (s *Service) Provider() Provider {
	return s.provider
}

// Claims represents session JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ExchangeToken verifies a provider ID token, provisions the account if
// needed, and returns a signed session token.
func (s *Service) ExchangeToken(ctx context.Context, idToken string) (*models.TokenResponse, error) {
	identity, err := s.provider.ValidateToken(ctx, idToken)
	if err != nil {
		return nil, err
	}

	user, err := s.userService.EnsureFromIdentity(ctx, s.provider.Name(), identity.Subject, identity.Email, identity.DisplayName)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.generateToken(user)
	if err != nil {
		return nil, platform.NewAuthError(s.provider.Name(), "exchange_token", "failed to sign session token", err)
	}

	s.logger.WithUser(user.ID).Info("issued session token",
		zap.String("email", user.Email),
		zap.Time("expires_at", expiresAt))

	return &models.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      *user,
	}, nil
}

// ValidateSession validates a session token and returns the user.
func (s *Service) ValidateSession(ctx context.Context, tokenString string) (*models.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, platform.NewAuthError(s.provider.Name(), "validate_session", "invalid session token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, platform.NewAuthError(s.provider.Name(), "validate_session", "invalid session token", nil)
	}

	user, err := s.userService.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, platform.NewAuthError(s.provider.Name(), "validate_session", "session user no longer exists", err)
	}
	return user, nil
}

// Logout revokes the provider session where supported. Backends without
// server-side logout return an auth error naming the limitation.
func (s *Service) Logout(ctx context.Context, providerToken string) error {
	return s.provider.ValidateLogout(ctx, providerToken)
}

// ConfigResponse describes the active provider to clients.
func (s *Service) ConfigResponse() models.AuthConfigResponse {
	oauthCfg := s.provider.OAuthConfig()

	caps := make([]string, 0, len(s.provider.Capabilities()))
	for _, c := range s.provider.Capabilities() {
		caps = append(caps, string(c))
	}

	return models.AuthConfigResponse{
		Provider:     s.provider.Name(),
		ClientID:     oauthCfg.ClientID,
		Capabilities: caps,
	}
}

// generateToken generates a session JWT for a user
func (s *Service) generateToken(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.expiry)

	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    sessionIssuer,
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}
