package models

import "time"

// UserRole controls access level
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// UserTier controls resource accounting. Metered users are subject to the
// maximum-uptime cap; unmetered users are not.
type UserTier string

const (
	TierMetered   UserTier = "metered"
	TierUnmetered UserTier = "unmetered"
)

// User is an authenticated account, provisioned on first login.
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	Provider    string     `json:"provider"`
	Subject     string     `json:"-"`
	Role        UserRole   `json:"role"`
	Tier        UserTier   `json:"tier"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// TokenRequest exchanges a provider identity token for a session token
type TokenRequest struct {
	IDToken string `json:"id_token"`
}

// TokenResponse carries a signed session token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// AuthConfigResponse describes the active identity provider to clients
type AuthConfigResponse struct {
	Provider     string   `json:"provider"`
	ClientID     string   `json:"client_id"`
	Capabilities []string `json:"capabilities"`
}
