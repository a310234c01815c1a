package models

import "time"

// Bucket records an object-storage bucket owned by a user environment.
type Bucket struct {
	Name          string    `json:"name"`
	UserID        string    `json:"user_id"`
	EnvironmentID string    `json:"environment_id"`
	Provider      string    `json:"provider"`
	Region        string    `json:"region,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Object describes a stored artifact inside a bucket.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ListObjectsResponse is the response for listing bucket contents
type ListObjectsResponse struct {
	Objects []Object `json:"objects"`
	Total   int      `json:"total"`
}
