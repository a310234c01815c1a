package auth

import (
	"context"
	"fmt"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// NewProvider selects and constructs the identity backend for this process.
// Selection priority: explicit configuration, credential auto-detection,
// hosting platform. Missing or ambiguous configuration is a startup error.
func NewProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (Provider, error) {
	name, err := config.ResolveAuthProvider(cfg)
	if err != nil {
		return nil, platform.NewConfigurationError("auth provider selection failed", err)
	}

	switch name {
	case config.AuthProviderGoogle:
		return NewGoogleProvider(cfg, log)
	case config.AuthProviderCognito:
		return NewCognitoProvider(ctx, cfg, log)
	default:
		return nil, platform.NewConfigurationError(fmt.Sprintf("unknown auth provider %q", name), nil)
	}
}
