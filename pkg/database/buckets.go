package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// SaveBucket records a provisioned bucket and its ownership.
func (db *DB) SaveBucket(ctx context.Context, bucket *models.Bucket) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO buckets (name, user_id, environment_id, provider, region, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET environment_id = EXCLUDED.environment_id
	`, bucket.Name, bucket.UserID, nullString(bucket.EnvironmentID), bucket.Provider,
		nullString(bucket.Region), bucket.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save bucket: %w", err)
	}
	return nil
}

// GetBucket retrieves a bucket record by name.
func (db *DB) GetBucket(ctx context.Context, name string) (*models.Bucket, error) {
	var bucket models.Bucket
	var environmentID, region sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT name, user_id, environment_id, provider, region, created_at
		FROM buckets WHERE name = $1
	`, name).Scan(&bucket.Name, &bucket.UserID, &environmentID, &bucket.Provider, &region, &bucket.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, platform.NewNotFoundError("bucket", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	bucket.EnvironmentID = environmentID.String
	bucket.Region = region.String
	return &bucket, nil
}

// ListBucketsByUser retrieves a user's bucket records, newest first.
func (db *DB) ListBucketsByUser(ctx context.Context, userID string) ([]*models.Bucket, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, user_id, environment_id, provider, region, created_at
		FROM buckets WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*models.Bucket
	for rows.Next() {
		var bucket models.Bucket
		var environmentID, region sql.NullString

		if err := rows.Scan(&bucket.Name, &bucket.UserID, &environmentID, &bucket.Provider, &region, &bucket.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		bucket.EnvironmentID = environmentID.String
		bucket.Region = region.String
		buckets = append(buckets, &bucket)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes a bucket record.
func (db *DB) DeleteBucket(ctx context.Context, name string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM buckets WHERE name = $1", name); err != nil {
		return fmt.Errorf("failed to delete bucket record: %w", err)
	}
	return nil
}
