package storage

import (
	"context"
	"io"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
)

// VolumeSpec is the opaque FUSE volume descriptor a backend emits for its
// bucket mounts. The pod-spec builder embeds it as a CSI volume without
// inspecting the attributes, so every backend can carry whatever its driver
// needs.
type VolumeSpec struct {
	Driver           string            `json:"driver"`
	VolumeAttributes map[string]string `json:"volume_attributes"`
	ReadOnly         bool              `json:"read_only"`
}

// Identity is the runtime identity a pod's workload assumes. Exactly one of
// the fields is set depending on the backend.
type Identity struct {
	// ServiceAccountEmail is a GCP service account bound via workload
	// identity.
	ServiceAccountEmail string
	// RoleARN is an AWS IAM role bound to the pod service account.
	RoleARN string
}

// Provider is the object-storage backend abstraction. One backend is selected
// per process at startup; callers never branch on which one is active.
type Provider interface {
	// Name returns the backend identifier ("gcs" or "s3").
	Name() string

	// CreateBucket provisions a versioned bucket for the user with a
	// lifecycle rule capping old-version retention.
	CreateBucket(ctx context.Context, userID, storageClass string) (*models.Bucket, error)

	// DeleteBucket removes a bucket. With force, all objects and versions
	// are enumerated and batch-deleted first.
	DeleteBucket(ctx context.Context, name string, force bool) error

	// FuseVolumeSpec returns the CSI volume descriptor mounting the bucket
	// at mountPath.
	FuseVolumeSpec(bucketName, mountPath string) VolumeSpec

	// EnsureBucketPermissions idempotently grants read-write on the bucket
	// to the runtime identity.
	EnsureBucketPermissions(ctx context.Context, bucketName string, identity Identity) error

	// PodAnnotations returns backend-specific pod annotations for identity
	// binding. May be empty when the binding rides entirely on the pod's
	// service account.
	PodAnnotations() map[string]string

	// RuntimeIdentity returns the identity environment pods run as.
	RuntimeIdentity() Identity

	// Object CRUD for small control-plane artifacts.
	UploadObject(ctx context.Context, bucketName, key string, body io.Reader, contentType string) error
	DownloadObject(ctx context.Context, bucketName, key string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucketName, prefix string) ([]models.Object, error)
	DeleteObject(ctx context.Context, bucketName, key string) error
	GetObjectInfo(ctx context.Context, bucketName, key string) (*models.Object, error)
}
