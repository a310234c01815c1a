package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

const (
	s3FuseCSIDriver = "s3.csi.aws.com"

	// s3DeleteBatchSize is the DeleteObjects API limit per call.
	s3DeleteBatchSize = 1000

	// s3MaxNoncurrentVersions is the lifecycle cap on retained old versions.
	s3MaxNoncurrentVersions = 3
)

// s3API is the subset of the S3 client used here, extracted so tests can
// substitute a fake.
type s3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Provider implements Provider on Amazon S3. Identity binding rides on the
// pod service account's IAM role association, so no pod annotations are
// needed.
type S3Provider struct {
	client       s3API
	region       string
	bucketPrefix string
	runtimeRole  string
	logger       *logger.Logger
}

// NewS3Provider creates an S3-backed storage provider using the default
// credential chain.
func NewS3Provider(ctx context.Context, cfg *config.Config, log *logger.Logger) (*S3Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.AWS.Region))
	if err != nil {
		return nil, platform.NewConfigurationError("failed to initialize AWS credentials", err)
	}

	return &S3Provider{
		client:       s3.NewFromConfig(awsCfg),
		region:       cfg.Storage.AWS.Region,
		bucketPrefix: cfg.Storage.BucketPrefix,
		runtimeRole:  cfg.Storage.AWS.RuntimeRoleARN,
		logger:       log.WithProvider(config.StorageProviderS3),
	}, nil
}

func (p *S3Provider) Name() string {
	return config.StorageProviderS3
}

// CreateBucket provisions a versioned bucket with a lifecycle rule expiring
// noncurrent versions beyond the retention cap.
func (p *S3Provider) CreateBucket(ctx context.Context, userID, storageClass string) (*models.Bucket, error) {
	name := NewBucketName(p.bucketPrefix, userID)

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if p.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.region),
		}
	}

	if _, err := p.client.CreateBucket(ctx, input); err != nil {
		return nil, p.wrapError("create_bucket", fmt.Sprintf("failed to create bucket %s", name), err)
	}

	_, err := p.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(name),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return nil, p.wrapError("create_bucket", fmt.Sprintf("failed to enable versioning on %s", name), err)
	}

	_, err = p.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(name),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: []s3types.LifecycleRule{
				{
					ID:     aws.String("cap-noncurrent-versions"),
					Status: s3types.ExpirationStatusEnabled,
					Filter: &s3types.LifecycleRuleFilterMemberPrefix{Value: ""},
					NoncurrentVersionExpiration: &s3types.NoncurrentVersionExpiration{
						NewerNoncurrentVersions: aws.Int32(s3MaxNoncurrentVersions),
						NoncurrentDays:          aws.Int32(1),
					},
				},
			},
		},
	})
	if err != nil {
		return nil, p.wrapError("create_bucket", fmt.Sprintf("failed to set lifecycle on %s", name), err)
	}

	p.logger.WithBucket(name).Info("created bucket")

	return &models.Bucket{
		Name:      name,
		UserID:    userID,
		Provider:  config.StorageProviderS3,
		Region:    p.region,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DeleteBucket removes a bucket. With force, all object versions and delete
// markers are removed first in batches.
func (p *S3Provider) DeleteBucket(ctx context.Context, name string, force bool) error {
	if force {
		if err := p.purgeObjects(ctx, name); err != nil {
			return err
		}
	}

	if _, err := p.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return p.wrapError("delete_bucket", fmt.Sprintf("failed to delete bucket %s", name), err)
	}

	p.logger.WithBucket(name).Info("deleted bucket")
	return nil
}

// purgeObjects removes every object version and delete marker in the bucket.
func (p *S3Provider) purgeObjects(ctx context.Context, name string) error {
	input := &s3.ListObjectVersionsInput{
		Bucket:  aws.String(name),
		MaxKeys: aws.Int32(s3DeleteBatchSize),
	}

	for {
		page, err := p.client.ListObjectVersions(ctx, input)
		if err != nil {
			if isS3NotFound(err) {
				return nil
			}
			return p.wrapError("delete_bucket", fmt.Sprintf("failed to list versions in %s", name), err)
		}

		var identifiers []s3types.ObjectIdentifier
		for _, v := range page.Versions {
			identifiers = append(identifiers, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			identifiers = append(identifiers, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		if len(identifiers) > 0 {
			_, err = p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(name),
				Delete: &s3types.Delete{
					Objects: identifiers,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return p.wrapError("delete_bucket", fmt.Sprintf("failed to delete versions in %s", name), err)
			}
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}

// FuseVolumeSpec returns the mountpoint-s3 CSI descriptor. The driver needs
// the bucket region to resolve the endpoint.
func (p *S3Provider) FuseVolumeSpec(bucketName, mountPath string) VolumeSpec {
	return VolumeSpec{
		Driver: s3FuseCSIDriver,
		VolumeAttributes: map[string]string{
			"bucketName":   bucketName,
			"region":       p.region,
			"mountOptions": "allow-delete,uid=1000,gid=1000",
		},
		ReadOnly: false,
	}
}

// EnsureBucketPermissions grants the runtime role read-write on the bucket
// via a bucket policy. Re-applying the policy is idempotent.
func (p *S3Provider) EnsureBucketPermissions(ctx context.Context, bucketName string, identity Identity) error {
	if identity.RoleARN == "" {
		return platform.NewConfigurationError("runtime role ARN is not configured", nil)
	}

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "WorkspaceReadWrite",
      "Effect": "Allow",
      "Principal": {"AWS": %q},
      "Action": ["s3:GetObject", "s3:PutObject", "s3:DeleteObject", "s3:ListBucket"],
      "Resource": ["arn:aws:s3:::%s", "arn:aws:s3:::%s/*"]
    }
  ]
}`, identity.RoleARN, bucketName, bucketName)

	_, err := p.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucketName),
		Policy: aws.String(policy),
	})
	if err != nil {
		return p.wrapError("ensure_bucket_permissions", fmt.Sprintf("failed to apply policy on %s", bucketName), err)
	}
	return nil
}

// PodAnnotations returns no annotations. The IAM role association on the pod
// service account carries the identity binding.
func (p *S3Provider) PodAnnotations() map[string]string {
	return nil
}

func (p *S3Provider) RuntimeIdentity() Identity {
	return Identity{RoleARN: p.runtimeRole}
}

func (p *S3Provider) UploadObject(ctx context.Context, bucketName, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return p.wrapError("upload_object", fmt.Sprintf("failed to upload %s/%s", bucketName, key), err)
	}
	return nil
}

func (p *S3Provider) DownloadObject(ctx context.Context, bucketName, key string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("download_object", fmt.Sprintf("failed to download %s/%s", bucketName, key), err)
	}
	return out.Body, nil
}

func (p *S3Provider) ListObjects(ctx context.Context, bucketName, prefix string) ([]models.Object, error) {
	var objects []models.Object
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucketName)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	for {
		page, err := p.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, p.wrapError("list_objects", fmt.Sprintf("failed to list %s", bucketName), err)
		}

		for _, obj := range page.Contents {
			objects = append(objects, models.Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return objects, nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}

func (p *S3Provider) DeleteObject(ctx context.Context, bucketName, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return p.wrapError("delete_object", fmt.Sprintf("failed to delete %s/%s", bucketName, key), err)
	}
	return nil
}

func (p *S3Provider) GetObjectInfo(ctx context.Context, bucketName, key string) (*models.Object, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, platform.NewNotFoundError("object", bucketName+"/"+key)
		}
		return nil, p.wrapError("get_object_info", fmt.Sprintf("failed to stat %s/%s", bucketName, key), err)
	}
	return &models.Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// wrapError converts an S3 API error into the shared taxonomy. Throttling
// and server errors are retryable; access and quota failures are not.
func (p *S3Provider) wrapError(operation, message string, err error) error {
	retryable := false
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			retryable = true
		}
	}
	return platform.NewProviderError(config.StorageProviderS3, operation, message, err, retryable)
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return true
		}
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}
