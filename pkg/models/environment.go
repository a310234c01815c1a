package models

import "time"

// EnvironmentStatus represents the current state of an environment
type EnvironmentStatus string

const (
	StatusPending  EnvironmentStatus = "pending"
	StatusRunning  EnvironmentStatus = "running"
	StatusStopping EnvironmentStatus = "stopping"
	StatusStopped  EnvironmentStatus = "stopped"
	StatusFailed   EnvironmentStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s EnvironmentStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Environment represents a single-user research workspace: one pod with a
// dedicated object-storage bucket mounted at the workspace path.
type Environment struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Status        EnvironmentStatus `json:"status"`
	Image         string            `json:"image"`
	PodName       string            `json:"pod_name"`
	Namespace     string            `json:"namespace"`
	BucketName    string            `json:"bucket_name"`
	MountPath     string            `json:"mount_path"`
	Provider      string            `json:"provider"`
	Resources     ResourceSpec      `json:"resources"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	// KeepStorage preserves the bucket when the environment is deleted.
	KeepStorage bool `json:"keep_storage"`
	// UptimeWarned records that the approaching-uptime-cap warning event has
	// been emitted, so the sweep never emits it twice.
	UptimeWarned  bool              `json:"uptime_warned"`
	FailureDetail string            `json:"failure_detail,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// ResourceSpec defines resource limits and requests
type ResourceSpec struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// CreateEnvironmentRequest is the request body for creating an environment
type CreateEnvironmentRequest struct {
	Image     string            `json:"image,omitempty"`
	Resources ResourceSpec      `json:"resources,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// DeleteEnvironmentRequest is the optional request body for deletion
type DeleteEnvironmentRequest struct {
	KeepStorage bool `json:"keep_storage,omitempty"`
}

// ListEnvironmentsResponse is the response for listing environments
type ListEnvironmentsResponse struct {
	Environments []Environment `json:"environments"`
	Total        int           `json:"total"`
}

// HeartbeatResponse acknowledges an activity signal
type HeartbeatResponse struct {
	EnvironmentID string    `json:"environment_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Kubernetes KubernetesHealthStatus `json:"kubernetes"`
}

// KubernetesHealthStatus represents the k8s cluster health
type KubernetesHealthStatus struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version"`
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
