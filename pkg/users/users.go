package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

// Service handles user operations
type Service struct {
	db     *database.DB
	logger *zap.Logger
}

// NewService creates a new user service
func NewService(db *database.DB, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// EnsureFromIdentity provisions an account on first login and records the
// login otherwise. The very first user overall is promoted to admin; the
// check runs against the store's user count inside the auth-success path.
func (s *Service) EnsureFromIdentity(ctx context.Context, providerName string, subject, email, displayName string) (*models.User, error) {
	user, err := s.getBySubject(ctx, providerName, subject)
	if err == nil {
		now := time.Now().UTC()
		if err := s.UpdateLastLogin(ctx, user.ID, now); err != nil {
			s.logger.Warn("failed to record login", zap.Error(err), zap.String("user_id", user.ID))
		}
		user.LastLoginAt = &now
		return user, nil
	}
	if !platform.IsCategory(err, platform.CategoryNotFound) {
		return nil, err
	}

	count, err := s.CountUsers(ctx)
	if err != nil {
		return nil, err
	}

	role := models.RoleUser
	if count == 0 {
		role = models.RoleAdmin
		s.logger.Info("promoting first user to admin", zap.String("email", email))
	}

	now := time.Now().UTC()
	user = &models.User{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: displayName,
		Provider:    providerName,
		Subject:     subject,
		Role:        role,
		Tier:        models.TierMetered,
		CreatedAt:   now,
		LastLoginAt: &now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, provider, subject, role, tier, created_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Email, nullIfEmpty(user.DisplayName), user.Provider, user.Subject,
		string(user.Role), string(user.Tier), user.CreatedAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("created user",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)))
	return user, nil
}

// GetUserByID retrieves a user by id.
func (s *Service) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.queryOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

// GetUserByEmail retrieves a user by email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.queryOne(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
}

func (s *Service) getBySubject(ctx context.Context, providerName, subject string) (*models.User, error) {
	return s.queryOne(ctx, "SELECT "+userColumns+" FROM users WHERE provider = $1 AND subject = $2", providerName, subject)
}

// CountUsers returns the total number of accounts.
func (s *Service) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// ListUsers returns all accounts, oldest first. Admin-only surface.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var list []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		list = append(list, user)
	}
	return list, rows.Err()
}

// UpdateLastLogin records a successful authentication.
func (s *Service) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET last_login = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdateTier switches a user between metered and unmetered accounting.
func (s *Service) UpdateTier(ctx context.Context, id string, tier models.UserTier) error {
	result, err := s.db.ExecContext(ctx, "UPDATE users SET tier = $1 WHERE id = $2", string(tier), id)
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return platform.NewNotFoundError("user", id)
	}
	return nil
}

const userColumns = "id, email, display_name, provider, subject, role, tier, created_at, last_login"

func (s *Service) queryOne(ctx context.Context, query string, args ...interface{}) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, platform.NewNotFoundError("user", fmt.Sprint(args[0]))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var displayName sql.NullString
	var role, tier string
	var lastLogin sql.NullTime

	err := row.Scan(&user.ID, &user.Email, &displayName, &user.Provider, &user.Subject,
		&role, &tier, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}

	user.DisplayName = displayName.String
	user.Role = models.UserRole(role)
	user.Tier = models.UserTier(tier)
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return &user, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
