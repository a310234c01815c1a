package storage

import (
	"context"
	"fmt"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// New selects and constructs the storage backend for this process. Selection
// happens once at startup; there is no runtime switching.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Provider, error) {
	name, err := config.ResolveStorageProvider(cfg)
	if err != nil {
		return nil, platform.NewConfigurationError("storage provider selection failed", err)
	}

	switch name {
	case config.StorageProviderGCS:
		return NewGCSProvider(ctx, cfg, log)
	case config.StorageProviderS3:
		return NewS3Provider(ctx, cfg, log)
	default:
		return nil, platform.NewConfigurationError(fmt.Sprintf("unknown storage provider %q", name), nil)
	}
}
