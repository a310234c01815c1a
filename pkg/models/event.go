package models

import "time"

// Event types recorded against environments.
const (
	EventCreated        = "created"
	EventRunning        = "running"
	EventDeleteRequest  = "delete_requested"
	EventStopped        = "stopped"
	EventFailed         = "failed"
	EventUptimeWarning  = "uptime_warning"
	EventIdleReclaimed  = "idle_reclaimed"
	EventUptimeExceeded = "uptime_exceeded"
)

// EnvironmentEvent is one entry in an environment's activity feed.
type EnvironmentEvent struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	EventType     string    `json:"event_type"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListEventsResponse is the response for listing environment events
type ListEventsResponse struct {
	Events []EnvironmentEvent `json:"events"`
	Total  int                `json:"total"`
}
