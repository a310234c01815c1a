package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// cognitoAPI is the subset of the Cognito client used here, extracted so
// tests can substitute a fake.
type cognitoAPI interface {
	GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error)
	GlobalSignOut(ctx context.Context, params *cip.GlobalSignOutInput, optFns ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error)
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

// tokenVerifier matches oidc.IDTokenVerifier so tests can substitute a fake.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// CognitoProvider verifies Cognito ID tokens against the user pool's
// published JWKS key-set, cached and refreshed by the verifier. Unlike
// Google, Cognito supports server-side logout via GlobalSignOut.
type CognitoProvider struct {
	client       cognitoAPI
	verifier     tokenVerifier
	issuer       string
	clientID     string
	clientSecret string
	domain       string
	redirectURL  string
	logger       *logger.Logger
}

// NewCognitoProvider creates a Cognito-backed identity provider.
func NewCognitoProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (*CognitoProvider, error) {
	c := cfg.Auth.Cognito
	if c.UserPoolID == "" || c.Region == "" {
		return nil, platform.NewConfigurationError("cognito auth requires CMBCLUSTER_COGNITO_USER_POOL_ID and CMBCLUSTER_COGNITO_REGION", nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return nil, platform.NewConfigurationError("failed to initialize AWS credentials", err)
	}

	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
	keySet := oidc.NewRemoteKeySet(ctx, issuer+"/.well-known/jwks.json")
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: c.ClientID})

	return &CognitoProvider{
		client:       cip.NewFromConfig(awsCfg),
		verifier:     verifier,
		issuer:       issuer,
		clientID:     c.ClientID,
		clientSecret: c.ClientSecret,
		domain:       c.Domain,
		redirectURL:  c.RedirectURL,
		logger:       log.WithProvider(config.AuthProviderCognito),
	}, nil
}

func (p *CognitoProvider) Name() string {
	return config.AuthProviderCognito
}

// ValidateToken verifies the ID token against the cached key-set and checks
// issuer, audience, and the verified-email claim.
func (p *CognitoProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	idToken, err := p.verifier.Verify(ctx, token)
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "validate_token", "token verification failed", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Username      string `json:"cognito:username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "validate_token", "failed to decode token claims", err)
	}

	var raw map[string]interface{}
	_ = idToken.Claims(&raw)

	if claims.Email == "" {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "validate_token", "token carries no email claim", nil)
	}
	if !claims.EmailVerified {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "validate_token",
			fmt.Sprintf("email %s is not verified", claims.Email), nil)
	}

	display := claims.Name
	if display == "" {
		display = claims.Username
	}

	return &Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   display,
		RawClaims:     raw,
	}, nil
}

// GetUserInfo resolves identity from an opaque access token via the Cognito
// GetUser API.
func (p *CognitoProvider) GetUserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	out, err := p.client.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "get_user_info", "user lookup failed", err)
	}

	identity := &Identity{DisplayName: aws.ToString(out.Username)}
	for _, attr := range out.UserAttributes {
		switch aws.ToString(attr.Name) {
		case "sub":
			identity.Subject = aws.ToString(attr.Value)
		case "email":
			identity.Email = aws.ToString(attr.Value)
		case "email_verified":
			identity.EmailVerified = aws.ToString(attr.Value) == "true"
		case "name":
			identity.DisplayName = aws.ToString(attr.Value)
		}
	}
	return identity, nil
}

func (p *CognitoProvider) OAuthConfig() OAuthConfig {
	return OAuthConfig{
		Provider:     config.AuthProviderCognito,
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  p.redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Issuer:       p.issuer,
	}
}

// RefreshToken exchanges via the REFRESH_TOKEN_AUTH flow.
func (p *CognitoProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	out, err := p.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: ciptypes.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "refresh_token", "refresh exchange failed", err)
	}
	if out.AuthenticationResult == nil {
		return nil, platform.NewAuthError(config.AuthProviderCognito, "refresh_token", "refresh exchange returned no tokens", nil)
	}

	return &TokenPair{
		IDToken:     aws.ToString(out.AuthenticationResult.IdToken),
		AccessToken: aws.ToString(out.AuthenticationResult.AccessToken),
	}, nil
}

// ValidateLogout revokes every session of the user via GlobalSignOut.
func (p *CognitoProvider) ValidateLogout(ctx context.Context, token string) error {
	if _, err := p.client.GlobalSignOut(ctx, &cip.GlobalSignOutInput{AccessToken: aws.String(token)}); err != nil {
		return platform.NewAuthError(config.AuthProviderCognito, "validate_logout", "global sign-out failed", err)
	}
	return nil
}

func (p *CognitoProvider) Capabilities() []Capability {
	return []Capability{CapabilityRefreshToken, CapabilityServerLogout}
}
