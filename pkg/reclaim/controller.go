package reclaim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// EnvironmentManager is the lifecycle surface the sweep drives. Deletion
// always goes through it so reclamation and user deletes share the same
// serialization.
type EnvironmentManager interface {
	ListActive(ctx context.Context) ([]*models.Environment, error)
	Delete(ctx context.Context, envID, ownerID string, keepStorage bool) error
}

// UserLookup resolves owners so the sweep can apply tier rules.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Controller is the idle-reclamation loop: a single periodic sweep that
// enforces the inactivity cap for everyone and the uptime cap for
// metered-tier owners. Per-item failures are isolated; one bad environment
// never aborts the rest of the sweep.
type Controller struct {
	cfg      *config.Config
	db       *database.DB
	manager  EnvironmentManager
	users    UserLookup
	interval time.Duration
	enabled  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *logger.Logger
}

// NewController creates a new reclamation controller
func NewController(cfg *config.Config, db *database.DB, manager EnvironmentManager, users UserLookup, log *logger.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		db:       db,
		manager:  manager,
		users:    users,
		interval: time.Duration(cfg.Reclaim.SweepIntervalSeconds) * time.Second,
		enabled:  cfg.Reclaim.Enabled,
		stopChan: make(chan struct{}),
		logger:   log,
	}
}

// Start starts the sweep loop
func (c *Controller) Start(ctx context.Context) {
	if !c.enabled {
		c.logger.Info("idle reclamation disabled")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()
}

// Stop stops the controller
func (c *Controller) Stop() {
	if !c.enabled {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Sweep immediately on start
	c.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			c.Sweep(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one reclamation pass over all non-terminal environments.
func (c *Controller) Sweep(ctx context.Context) {
	envs, err := c.manager.ListActive(ctx)
	if err != nil {
		c.logger.Error("sweep failed to list environments", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, env := range envs {
		if err := c.sweepOne(ctx, env, now); err != nil {
			c.logger.WithEnvironment(env.ID).Warn("sweep item failed", zap.Error(err))
		}
	}
}

// sweepOne applies the caps to a single environment.
func (c *Controller) sweepOne(ctx context.Context, env *models.Environment, now time.Time) error {
	// Pending and Stopping environments are in transition; leave them to the
	// lifecycle manager.
	if env.Status != models.StatusRunning {
		return nil
	}

	idleSince := env.CreatedAt
	if env.LastHeartbeat != nil && env.LastHeartbeat.After(idleSince) {
		idleSince = *env.LastHeartbeat
	}
	idle := now.Sub(idleSince)
	uptime := now.Sub(env.CreatedAt)

	metered, err := c.ownerIsMetered(ctx, env.UserID)
	if err != nil {
		return platform.NewReclamationError("sweep", fmt.Sprintf("owner lookup for environment %s failed", env.ID), err)
	}

	uptimeCap := time.Duration(c.cfg.Reclaim.MaxUptimeMinutes) * time.Minute
	warningWindow := time.Duration(c.cfg.Reclaim.WarningWindowMinutes) * time.Minute
	idleCap := time.Duration(c.cfg.Reclaim.IdleTimeoutMinutes) * time.Minute

	if metered && uptime >= uptimeCap {
		return c.reclaim(ctx, env, models.EventUptimeExceeded,
			fmt.Sprintf("uptime %s exceeded cap %s", uptime.Round(time.Minute), uptimeCap))
	}

	if metered && !env.UptimeWarned && uptime >= uptimeCap-warningWindow {
		msg := fmt.Sprintf("environment will be reclaimed in %s", (uptimeCap - uptime).Round(time.Minute))
		if err := c.db.MarkUptimeWarned(ctx, env.ID); err != nil {
			return platform.NewReclamationError("sweep", fmt.Sprintf("failed to mark warning for %s", env.ID), err)
		}
		if _, err := c.db.SaveEnvironmentEvent(ctx, env.ID, models.EventUptimeWarning, msg); err != nil {
			c.logger.WithEnvironment(env.ID).Warn("failed to record warning event", zap.Error(err))
		}
		c.logger.WithEnvironment(env.ID).WithUser(env.UserID).Info("uptime cap warning", zap.Duration("uptime", uptime))
	}

	if idle >= idleCap {
		return c.reclaim(ctx, env, models.EventIdleReclaimed,
			fmt.Sprintf("idle for %s, cap is %s", idle.Round(time.Minute), idleCap))
	}

	return nil
}

// reclaim records why and deletes through the lifecycle manager. A racing
// user delete makes this a no-op.
func (c *Controller) reclaim(ctx context.Context, env *models.Environment, eventType, reason string) error {
	if _, err := c.db.SaveEnvironmentEvent(ctx, env.ID, eventType, reason); err != nil {
		c.logger.WithEnvironment(env.ID).Warn("failed to record reclamation event", zap.Error(err))
	}

	c.logger.WithEnvironment(env.ID).WithUser(env.UserID).Info("reclaiming environment",
		zap.String("reason", reason))

	if err := c.manager.Delete(ctx, env.ID, "", env.KeepStorage); err != nil {
		return platform.NewReclamationError("reclaim", fmt.Sprintf("failed to delete environment %s", env.ID), err)
	}
	return nil
}

func (c *Controller) ownerIsMetered(ctx context.Context, userID string) (bool, error) {
	user, err := c.users.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Tier == models.TierMetered, nil
}
