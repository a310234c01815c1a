package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storagev1 "google.golang.org/api/storage/v1"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

const (
	gcsFuseCSIDriver = "gcsfuse.csi.storage.gke.io"

	// gcsDeleteBatchSize caps how many object versions one list page removes.
	gcsDeleteBatchSize = 100

	// gcsMaxNoncurrentVersions is the lifecycle cap on retained old versions.
	gcsMaxNoncurrentVersions = 3
)

// GCSProvider implements Provider on Google Cloud Storage via the JSON API.
// Identity binding uses GKE workload identity, which needs an explicit
// service-account annotation on the pod.
type GCSProvider struct {
	svc          *storagev1.Service
	project      string
	region       string
	bucketPrefix string
	runtimeSA    string
	logger       *logger.Logger
}

// NewGCSProvider creates a GCS-backed storage provider using application
// default credentials.
func NewGCSProvider(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...option.ClientOption) (*GCSProvider, error) {
	svc, err := storagev1.NewService(ctx, opts...)
	if err != nil {
		return nil, platform.NewConfigurationError("failed to initialize GCS client", err)
	}

	return &GCSProvider{
		svc:          svc,
		project:      cfg.Storage.GCP.Project,
		region:       cfg.Storage.GCP.Region,
		bucketPrefix: cfg.Storage.BucketPrefix,
		runtimeSA:    cfg.Storage.GCP.RuntimeServiceAccount,
		logger:       log.WithProvider(config.StorageProviderGCS),
	}, nil
}

func (p *GCSProvider) Name() string {
	return config.StorageProviderGCS
}

// CreateBucket provisions a versioned bucket with a lifecycle rule deleting
// noncurrent versions beyond the retention cap.
func (p *GCSProvider) CreateBucket(ctx context.Context, userID, storageClass string) (*models.Bucket, error) {
	name := NewBucketName(p.bucketPrefix, userID)

	bucket := &storagev1.Bucket{
		Name:         name,
		Location:     p.region,
		StorageClass: storageClass,
		Versioning:   &storagev1.BucketVersioning{Enabled: true},
		Lifecycle: &storagev1.BucketLifecycle{
			Rule: []*storagev1.BucketLifecycleRule{
				{
					Action: &storagev1.BucketLifecycleRuleAction{Type: "Delete"},
					Condition: &storagev1.BucketLifecycleRuleCondition{
						NumNewerVersions: gcsMaxNoncurrentVersions,
						IsLive:           googleapi.Bool(false),
					},
				},
			},
		},
	}

	created, err := p.svc.Buckets.Insert(p.project, bucket).Context(ctx).Do()
	if err != nil {
		return nil, p.wrapError("create_bucket", fmt.Sprintf("failed to create bucket %s", name), err)
	}

	p.logger.WithBucket(created.Name).Info("created bucket")

	createdAt, _ := time.Parse(time.RFC3339, created.TimeCreated)
	return &models.Bucket{
		Name:      created.Name,
		UserID:    userID,
		Provider:  config.StorageProviderGCS,
		Region:    created.Location,
		CreatedAt: createdAt,
	}, nil
}

// DeleteBucket removes a bucket. With force, all object versions are removed
// first, one list page at a time.
func (p *GCSProvider) DeleteBucket(ctx context.Context, name string, force bool) error {
	if force {
		if err := p.purgeObjects(ctx, name); err != nil {
			return err
		}
	}

	if err := p.svc.Buckets.Delete(name).Context(ctx).Do(); err != nil {
		if isGoogleNotFound(err) {
			return nil
		}
		return p.wrapError("delete_bucket", fmt.Sprintf("failed to delete bucket %s", name), err)
	}

	p.logger.WithBucket(name).Info("deleted bucket")
	return nil
}

// purgeObjects removes every object version in the bucket.
func (p *GCSProvider) purgeObjects(ctx context.Context, name string) error {
	pageToken := ""
	for {
		call := p.svc.Objects.List(name).Versions(true).MaxResults(gcsDeleteBatchSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Context(ctx).Do()
		if err != nil {
			if isGoogleNotFound(err) {
				return nil
			}
			return p.wrapError("delete_bucket", fmt.Sprintf("failed to list objects in %s", name), err)
		}

		for _, obj := range page.Items {
			del := p.svc.Objects.Delete(name, obj.Name).Generation(obj.Generation)
			if err := del.Context(ctx).Do(); err != nil && !isGoogleNotFound(err) {
				return p.wrapError("delete_bucket", fmt.Sprintf("failed to delete object %s/%s", name, obj.Name), err)
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// FuseVolumeSpec returns the gcsfuse CSI descriptor. GCS buckets are global,
// so no region attribute is carried.
func (p *GCSProvider) FuseVolumeSpec(bucketName, mountPath string) VolumeSpec {
	return VolumeSpec{
		Driver: gcsFuseCSIDriver,
		VolumeAttributes: map[string]string{
			"bucketName":   bucketName,
			"mountOptions": "implicit-dirs,uid=1000,gid=1000",
		},
		ReadOnly: false,
	}
}

// EnsureBucketPermissions grants object admin on the bucket to the runtime
// service account. Re-granting an existing binding is a no-op.
func (p *GCSProvider) EnsureBucketPermissions(ctx context.Context, bucketName string, identity Identity) error {
	if identity.ServiceAccountEmail == "" {
		return platform.NewConfigurationError("runtime service account email is not configured", nil)
	}
	member := "serviceAccount:" + identity.ServiceAccountEmail
	const role = "roles/storage.objectAdmin"

	policy, err := p.svc.Buckets.GetIamPolicy(bucketName).Context(ctx).Do()
	if err != nil {
		return p.wrapError("ensure_bucket_permissions", fmt.Sprintf("failed to read IAM policy on %s", bucketName), err)
	}

	for _, binding := range policy.Bindings {
		if binding.Role != role {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return nil
			}
		}
		binding.Members = append(binding.Members, member)
		return p.setIamPolicy(ctx, bucketName, policy)
	}

	policy.Bindings = append(policy.Bindings, &storagev1.PolicyBindings{
		Role:    role,
		Members: []string{member},
	})
	return p.setIamPolicy(ctx, bucketName, policy)
}

func (p *GCSProvider) setIamPolicy(ctx context.Context, bucketName string, policy *storagev1.Policy) error {
	if _, err := p.svc.Buckets.SetIamPolicy(bucketName, policy).Context(ctx).Do(); err != nil {
		return p.wrapError("ensure_bucket_permissions", fmt.Sprintf("failed to update IAM policy on %s", bucketName), err)
	}
	return nil
}

// PodAnnotations returns the workload-identity annotation pair plus the
// gcsfuse sidecar opt-in.
func (p *GCSProvider) PodAnnotations() map[string]string {
	annotations := map[string]string{
		"gke-gcsfuse/volumes": "true",
	}
	if p.runtimeSA != "" {
		annotations["iam.gke.io/gcp-service-account"] = p.runtimeSA
	}
	return annotations
}

func (p *GCSProvider) RuntimeIdentity() Identity {
	return Identity{ServiceAccountEmail: p.runtimeSA}
}

func (p *GCSProvider) UploadObject(ctx context.Context, bucketName, key string, body io.Reader, contentType string) error {
	obj := &storagev1.Object{Name: key, ContentType: contentType}
	if _, err := p.svc.Objects.Insert(bucketName, obj).Media(body).Context(ctx).Do(); err != nil {
		return p.wrapError("upload_object", fmt.Sprintf("failed to upload %s/%s", bucketName, key), err)
	}
	return nil
}

func (p *GCSProvider) DownloadObject(ctx context.Context, bucketName, key string) (io.ReadCloser, error) {
	resp, err := p.svc.Objects.Get(bucketName, key).Context(ctx).Download()
	if err != nil {
		return nil, p.wrapError("download_object", fmt.Sprintf("failed to download %s/%s", bucketName, key), err)
	}
	return resp.Body, nil
}

func (p *GCSProvider) ListObjects(ctx context.Context, bucketName, prefix string) ([]models.Object, error) {
	var objects []models.Object
	pageToken := ""
	for {
		call := p.svc.Objects.List(bucketName).Prefix(prefix)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Context(ctx).Do()
		if err != nil {
			return nil, p.wrapError("list_objects", fmt.Sprintf("failed to list %s", bucketName), err)
		}

		for _, obj := range page.Items {
			objects = append(objects, gcsObjectInfo(obj))
		}

		if page.NextPageToken == "" {
			return objects, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *GCSProvider) DeleteObject(ctx context.Context, bucketName, key string) error {
	if err := p.svc.Objects.Delete(bucketName, key).Context(ctx).Do(); err != nil {
		if isGoogleNotFound(err) {
			return nil
		}
		return p.wrapError("delete_object", fmt.Sprintf("failed to delete %s/%s", bucketName, key), err)
	}
	return nil
}

func (p *GCSProvider) GetObjectInfo(ctx context.Context, bucketName, key string) (*models.Object, error) {
	obj, err := p.svc.Objects.Get(bucketName, key).Context(ctx).Do()
	if err != nil {
		if isGoogleNotFound(err) {
			return nil, platform.NewNotFoundError("object", bucketName+"/"+key)
		}
		return nil, p.wrapError("get_object_info", fmt.Sprintf("failed to stat %s/%s", bucketName, key), err)
	}
	info := gcsObjectInfo(obj)
	return &info, nil
}

func gcsObjectInfo(obj *storagev1.Object) models.Object {
	updated, _ := time.Parse(time.RFC3339, obj.Updated)
	return models.Object{
		Key:          obj.Name,
		Size:         int64(obj.Size),
		ContentType:  obj.ContentType,
		LastModified: updated,
	}
}

// wrapError converts a GCS API error into the shared taxonomy. Rate limits
// and server errors are retryable; permission and quota failures are not.
func (p *GCSProvider) wrapError(operation, message string, err error) error {
	retryable := false
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		retryable = gerr.Code == 429 || gerr.Code >= 500
	}
	return platform.NewProviderError(config.StorageProviderGCS, operation, message, err, retryable)
}

func isGoogleNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
