package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/k8s"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/storage"
)

// maxConcurrentProvisions caps in-flight pod readiness waits.
const maxConcurrentProvisions = 10

// Manager owns the environment state machine: Pending, Running, Stopping,
// Stopped, with Failed reachable from Pending or Running. Create and delete
// for the same environment id are serialized through a per-id lock so a
// delete never races ahead of an in-flight create. Creates for the same user
// are serialized through a per-user lock so the quota check and the Pending
// insert cannot interleave.
type Manager struct {
	cfg       *config.Config
	db        *database.DB
	k8sClient k8s.ClientInterface
	storage   storage.Provider
	logger    *logger.Logger

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	userLocks   map[string]*sync.Mutex
	userLocksMu sync.Mutex

	provisionSem chan struct{}
	wg           sync.WaitGroup
}

// NewManager creates a new lifecycle manager
func NewManager(cfg *config.Config, db *database.DB, k8sClient k8s.ClientInterface, storageProvider storage.Provider, log *logger.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		db:           db,
		k8sClient:    k8sClient,
		storage:      storageProvider,
		logger:       log,
		locks:        make(map[string]*sync.Mutex),
		userLocks:    make(map[string]*sync.Mutex),
		provisionSem: make(chan struct{}, maxConcurrentProvisions),
	}
}

// Wait blocks until all in-flight provisioning goroutines finish. Used on
// shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) lockFor(envID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[envID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[envID] = lock
	}
	return lock
}

// dropLock removes an environment's lock entry once the row is terminal or
// gone, so the map does not grow with every id ever seen. A goroutine that
// already holds the mutex keeps it; a later lookup gets a fresh one, which is
// safe because terminal rows make every operation a no-op.
func (m *Manager) dropLock(envID string) {
	m.locksMu.Lock()
	delete(m.locks, envID)
	m.locksMu.Unlock()
}

// lockForUser serializes Create calls for one user so the quota count and the
// Pending insert cannot interleave across requests. Always acquired before the
// per-environment lock, never the other way around.
func (m *Manager) lockForUser(userID string) *sync.Mutex {
	m.userLocksMu.Lock()
	defer m.userLocksMu.Unlock()

	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// Create provisions a bucket, binds the runtime identity, submits a pod spec
// built around the backend's volume descriptor, and persists a Pending row.
// Quota is checked before any resource is provisioned so a rejected request
// leaves nothing behind.
func (m *Manager) Create(ctx context.Context, user *models.User, req *models.CreateEnvironmentRequest) (env *models.Environment, err error) {
	userLock := m.lockForUser(user.ID)
	userLock.Lock()
	defer userLock.Unlock()

	count, err := m.db.CountNonTerminalByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if count >= m.cfg.Resources.MaxUserPods {
		return nil, platform.NewQuotaError(user.ID, count)
	}

	envID := "env-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	lock := m.lockFor(envID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		// A failed create leaves the row terminal or absent either way.
		if err != nil {
			m.dropLock(envID)
		}
	}()

	log := m.logger.WithEnvironment(envID).WithUser(user.ID)

	var bucket *models.Bucket
	err = platform.WithRetry(ctx, func() error {
		var createErr error
		bucket, createErr = m.storage.CreateBucket(ctx, user.ID, m.cfg.Storage.DefaultClass)
		return createErr
	})
	if err != nil {
		return nil, err
	}
	bucket.EnvironmentID = envID
	if err := m.db.SaveBucket(ctx, bucket); err != nil {
		log.Warn("failed to record bucket", zap.Error(err), zap.String("bucket", bucket.Name))
	}

	err = platform.WithRetry(ctx, func() error {
		return m.storage.EnsureBucketPermissions(ctx, bucket.Name, m.storage.RuntimeIdentity())
	})
	if err != nil {
		return nil, m.compensate(ctx, log, nil, bucket, err)
	}

	image := req.Image
	if image == "" {
		image = m.cfg.Kubernetes.DefaultImage
	}
	resources := req.Resources
	if resources.CPU == "" {
		resources.CPU = m.cfg.Resources.DefaultCPULimit
	}
	if resources.Memory == "" {
		resources.Memory = m.cfg.Resources.DefaultMemoryLimit
	}

	env = &models.Environment{
		ID:          envID,
		UserID:      user.ID,
		Status:      models.StatusPending,
		Image:       image,
		PodName:     m.cfg.Kubernetes.PodPrefix + envID,
		Namespace:   m.cfg.Kubernetes.Namespace,
		BucketName:  bucket.Name,
		MountPath:   m.cfg.Storage.MountPath,
		Provider:    m.storage.Name(),
		Resources:   resources,
		CreatedAt:   time.Now().UTC(),
		Env:         req.Env,
		Labels:      req.Labels,
	}

	if err := m.db.SaveEnvironment(ctx, env); err != nil {
		return nil, m.compensate(ctx, log, nil, bucket, err)
	}
	m.recordEvent(ctx, envID, models.EventCreated, fmt.Sprintf("environment created with bucket %s", bucket.Name))

	podSpec := m.buildPodSpec(env)
	err = platform.WithRetry(ctx, func() error {
		if createErr := m.k8sClient.CreatePod(ctx, podSpec); createErr != nil {
			return platform.NewOrchestratorError("create_pod", "pod submission failed", createErr, false)
		}
		return nil
	})
	if err != nil {
		return nil, m.compensate(ctx, log, env, bucket, err)
	}

	log.Info("submitted environment pod",
		zap.String("pod", env.PodName),
		zap.String("bucket", bucket.Name),
		zap.String("image", image))

	m.wg.Add(1)
	go m.awaitRunning(env.ID, env.Namespace, env.PodName)

	return env, nil
}

// buildPodSpec embeds the backend's opaque volume descriptor and identity
// annotations without inspecting either.
func (m *Manager) buildPodSpec(env *models.Environment) *k8s.PodSpec {
	volume := m.storage.FuseVolumeSpec(env.BucketName, env.MountPath)

	labels := map[string]string{
		"app":            "cmbcluster",
		"environment-id": env.ID,
		"user-id":        env.UserID,
	}
	for k, v := range env.Labels {
		labels[k] = v
	}

	return &k8s.PodSpec{
		Name:           env.PodName,
		Namespace:      env.Namespace,
		Image:          env.Image,
		Env:            env.Env,
		CPU:            env.Resources.CPU,
		Memory:         env.Resources.Memory,
		ServiceAccount: m.cfg.Kubernetes.ServiceAccount,
		Labels:         labels,
		Annotations:    m.storage.PodAnnotations(),
		Volume: &k8s.CSIVolume{
			Driver:           volume.Driver,
			VolumeAttributes: volume.VolumeAttributes,
			ReadOnly:         volume.ReadOnly,
		},
		MountPath: env.MountPath,
	}
}

// compensate applies the partial-failure policy after a bucket exists but the
// environment cannot reach Pending. With the rollback policy the bucket is
// removed; with retain it is kept for recovery and the failure detail names
// it.
func (m *Manager) compensate(ctx context.Context, log *logger.Logger, env *models.Environment, bucket *models.Bucket, cause error) error {
	detail := cause.Error()

	if m.cfg.Lifecycle.PartialFailurePolicy == config.PartialFailureRollback {
		if err := m.storage.DeleteBucket(ctx, bucket.Name, true); err != nil {
			log.Warn("rollback bucket delete failed", zap.Error(err), zap.String("bucket", bucket.Name))
		} else {
			if err := m.db.DeleteBucket(ctx, bucket.Name); err != nil {
				log.Warn("failed to remove bucket record", zap.Error(err), zap.String("bucket", bucket.Name))
			}
			detail = fmt.Sprintf("%s (bucket %s rolled back)", detail, bucket.Name)
		}
	} else {
		detail = fmt.Sprintf("%s (bucket %s retained)", detail, bucket.Name)
	}

	if env != nil {
		if err := m.db.MarkEnvironmentFailed(ctx, env.ID, detail); err != nil {
			log.Error("failed to mark environment failed", zap.Error(err))
		}
		m.recordEvent(ctx, env.ID, models.EventFailed, detail)
	}

	log.Error("environment creation failed", zap.Error(cause), zap.String("bucket", bucket.Name))
	return cause
}

// awaitRunning watches the submitted pod and moves the row to Running, or to
// Failed if the pod never becomes ready within the startup timeout.
func (m *Manager) awaitRunning(envID, namespace, podName string) {
	defer m.wg.Done()

	m.provisionSem <- struct{}{}
	defer func() { <-m.provisionSem }()

	timeout := time.Duration(m.cfg.Lifecycle.StartupTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log := m.logger.WithEnvironment(envID)

	waitErr := m.k8sClient.WaitForPodRunning(ctx, namespace, podName)

	// A delete may have raced the readiness watch. Re-read under the
	// environment lock and let any non-Pending outcome stand.
	lock := m.lockFor(envID)
	lock.Lock()
	defer lock.Unlock()

	env, err := m.db.GetEnvironment(context.Background(), envID)
	if err != nil {
		log.Error("failed to load environment after readiness wait", zap.Error(err))
		return
	}
	if env.Status != models.StatusPending {
		log.Info("skipping readiness transition, environment already moved on",
			zap.String("status", string(env.Status)))
		return
	}

	if waitErr != nil {
		detail := fmt.Sprintf("pod did not become ready: %v", waitErr)
		log.Error("environment startup failed", zap.Error(waitErr), zap.String("pod", podName))

		if delErr := m.k8sClient.DeletePod(context.Background(), namespace, podName, true); delErr != nil {
			log.Warn("failed to remove stalled pod", zap.Error(delErr), zap.String("pod", podName))
		}
		if dbErr := m.db.MarkEnvironmentFailed(context.Background(), envID, detail); dbErr != nil {
			log.Error("failed to mark environment failed", zap.Error(dbErr))
		}
		m.recordEvent(context.Background(), envID, models.EventFailed, detail)
		m.dropLock(envID)
		return
	}

	now := time.Now().UTC()
	if err := m.db.UpdateEnvironmentStatus(context.Background(), envID, models.StatusRunning, &now); err != nil {
		log.Error("failed to mark environment running", zap.Error(err))
		return
	}
	m.recordEvent(context.Background(), envID, models.EventRunning, "pod is running")
	log.Info("environment is running", zap.String("pod", podName))
}

// Delete tears an environment down: Stopping, orchestrator delete, Stopped.
// Deleting an already-deleted or unknown environment is a no-op. Bucket
// removal follows the keep-storage flag.
func (m *Manager) Delete(ctx context.Context, envID, ownerID string, keepStorage bool) error {
	lock := m.lockFor(envID)
	lock.Lock()
	defer lock.Unlock()

	env, err := m.db.GetEnvironment(ctx, envID)
	if err != nil {
		if platform.IsCategory(err, platform.CategoryNotFound) {
			m.dropLock(envID)
			return nil
		}
		return err
	}

	if ownerID != "" && env.UserID != ownerID {
		return platform.NewNotFoundError("environment", envID)
	}

	if env.Status.Terminal() {
		m.dropLock(envID)
		return nil
	}

	log := m.logger.WithEnvironment(envID).WithUser(env.UserID)

	if err := m.db.UpdateEnvironmentStatus(ctx, envID, models.StatusStopping, nil); err != nil {
		return err
	}
	m.recordEvent(ctx, envID, models.EventDeleteRequest, "delete requested")

	err = platform.WithRetry(ctx, func() error {
		if delErr := m.k8sClient.DeletePod(ctx, env.Namespace, env.PodName, false); delErr != nil {
			return platform.NewOrchestratorError("delete_pod", "pod deletion failed", delErr, true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if env.BucketName != "" && !keepStorage && !env.KeepStorage {
		err = platform.WithRetry(ctx, func() error {
			return m.storage.DeleteBucket(ctx, env.BucketName, true)
		})
		if err != nil {
			log.Warn("bucket deletion failed, storage may need manual cleanup",
				zap.Error(err), zap.String("bucket", env.BucketName))
		} else if err := m.db.DeleteBucket(ctx, env.BucketName); err != nil {
			log.Warn("failed to remove bucket record", zap.Error(err), zap.String("bucket", env.BucketName))
		}
	}

	if err := m.db.MarkEnvironmentStopped(ctx, envID, time.Now().UTC()); err != nil {
		return err
	}
	m.recordEvent(ctx, envID, models.EventStopped, "environment stopped")
	m.dropLock(envID)

	log.Info("environment deleted",
		zap.Bool("storage_kept", keepStorage || env.KeepStorage))
	return nil
}

// Heartbeat records a liveness signal from the environment's user. It is
// independent of pod health: a pod can be Running with nobody using it.
func (m *Manager) Heartbeat(ctx context.Context, envID, ownerID string) error {
	env, err := m.db.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if ownerID != "" && env.UserID != ownerID {
		return platform.NewNotFoundError("environment", envID)
	}
	if env.Status.Terminal() {
		return platform.NewNotFoundError("environment", envID)
	}

	return m.db.UpdateHeartbeat(ctx, envID, time.Now().UTC())
}

// Get returns an environment, reconciling its status against the
// orchestrator. The orchestrator is authoritative for Running and Failed;
// the store is authoritative for Stopping and Stopped.
func (m *Manager) Get(ctx context.Context, envID, ownerID string) (*models.Environment, error) {
	env, err := m.db.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && env.UserID != ownerID {
		return nil, platform.NewNotFoundError("environment", envID)
	}

	if env.Status != models.StatusPending && env.Status != models.StatusRunning {
		return env, nil
	}

	pod, err := m.k8sClient.GetPod(ctx, env.Namespace, env.PodName)
	if err != nil {
		// A missing pod under a live status means it died outside our
		// control.
		detail := fmt.Sprintf("backing pod %s not found", env.PodName)
		if dbErr := m.db.MarkEnvironmentFailed(ctx, envID, detail); dbErr != nil {
			m.logger.WithEnvironment(envID).Error("failed to reconcile status", zap.Error(dbErr))
			return env, nil
		}
		m.recordEvent(ctx, envID, models.EventFailed, detail)
		m.dropLock(envID)
		env.Status = models.StatusFailed
		env.FailureDetail = detail
		return env, nil
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		if env.Status != models.StatusRunning {
			now := time.Now().UTC()
			if dbErr := m.db.UpdateEnvironmentStatus(ctx, envID, models.StatusRunning, &now); dbErr == nil {
				env.Status = models.StatusRunning
				env.StartedAt = &now
			}
		}
	case corev1.PodFailed:
		detail := "backing pod failed"
		if dbErr := m.db.MarkEnvironmentFailed(ctx, envID, detail); dbErr == nil {
			m.dropLock(envID)
			env.Status = models.StatusFailed
			env.FailureDetail = detail
		}
	}

	return env, nil
}

// List returns a user's environments from the store.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.Environment, error) {
	return m.db.ListEnvironmentsByUser(ctx, userID)
}

// ListActive returns every non-terminal environment. The reclamation sweep
// iterates this set.
func (m *Manager) ListActive(ctx context.Context) ([]*models.Environment, error) {
	return m.db.ListNonTerminalEnvironments(ctx)
}

// Events returns the environment's activity feed.
func (m *Manager) Events(ctx context.Context, envID, ownerID string, limit int) ([]*models.EnvironmentEvent, error) {
	env, err := m.db.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && env.UserID != ownerID {
		return nil, platform.NewNotFoundError("environment", envID)
	}
	return m.db.ListEnvironmentEvents(ctx, envID, limit)
}

// recordEvent persists an activity entry, logging on failure rather than
// propagating it.
func (m *Manager) recordEvent(ctx context.Context, envID, eventType, message string) {
	if _, err := m.db.SaveEnvironmentEvent(ctx, envID, eventType, message); err != nil {
		m.logger.WithEnvironment(envID).Warn("failed to record event",
			zap.Error(err), zap.String("event_type", eventType))
	}
}
