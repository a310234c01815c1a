package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
)

const environmentColumns = `id, user_id, status, image, pod_name, namespace, bucket_name, mount_path,
	provider, resources_cpu, resources_memory, created_at, started_at, stopped_at,
	last_heartbeat_at, keep_storage, uptime_warned, failure_detail, env_vars, labels`

// SaveEnvironment inserts or updates an environment row. The mutable columns
// are the ones the lifecycle manager and sweep touch.
func (db *DB) SaveEnvironment(ctx context.Context, env *models.Environment) error {
	envVarsJSON, err := json.Marshal(env.Env)
	if err != nil {
		envVarsJSON = []byte("{}")
	}
	labelsJSON, err := json.Marshal(env.Labels)
	if err != nil {
		labelsJSON = []byte("{}")
	}

	query := `
		INSERT INTO environments (
			id, user_id, status, image, pod_name, namespace, bucket_name, mount_path,
			provider, resources_cpu, resources_memory, created_at, started_at, stopped_at,
			last_heartbeat_at, keep_storage, uptime_warned, failure_detail, env_vars, labels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			stopped_at = EXCLUDED.stopped_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			keep_storage = EXCLUDED.keep_storage,
			uptime_warned = EXCLUDED.uptime_warned,
			failure_detail = EXCLUDED.failure_detail
	`

	_, err = db.ExecContext(ctx, query,
		env.ID, env.UserID, string(env.Status), env.Image, env.PodName, env.Namespace,
		nullString(env.BucketName), nullString(env.MountPath), env.Provider,
		env.Resources.CPU, env.Resources.Memory, env.CreatedAt, env.StartedAt, env.StoppedAt,
		env.LastHeartbeat, env.KeepStorage, env.UptimeWarned, nullString(env.FailureDetail),
		string(envVarsJSON), string(labelsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment from the database
func (db *DB) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	query := "SELECT " + environmentColumns + " FROM environments WHERE id = $1"

	env, err := db.scanEnvironment(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, platform.NewNotFoundError("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

// ListEnvironmentsByUser retrieves a user's environments, newest first.
func (db *DB) ListEnvironmentsByUser(ctx context.Context, userID string) ([]*models.Environment, error) {
	query := "SELECT " + environmentColumns + " FROM environments WHERE user_id = $1 ORDER BY created_at DESC"
	return db.queryEnvironments(ctx, query, userID)
}

// ListNonTerminalEnvironments retrieves every environment still owning
// cluster resources. The reclamation sweep iterates this set.
func (db *DB) ListNonTerminalEnvironments(ctx context.Context) ([]*models.Environment, error) {
	query := "SELECT " + environmentColumns + ` FROM environments
		WHERE status NOT IN ($1, $2) ORDER BY created_at`
	return db.queryEnvironments(ctx, query, string(models.StatusStopped), string(models.StatusFailed))
}

// CountNonTerminalByUser counts a user's environments that still hold a pod,
// for quota enforcement.
func (db *DB) CountNonTerminalByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM environments
		WHERE user_id = $1 AND status NOT IN ($2, $3)
	`, userID, string(models.StatusStopped), string(models.StatusFailed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return count, nil
}

// UpdateEnvironmentStatus updates an environment's status and optionally started_at
func (db *DB) UpdateEnvironmentStatus(ctx context.Context, id string, status models.EnvironmentStatus, startedAt *time.Time) error {
	var err error
	if startedAt != nil {
		_, err = db.ExecContext(ctx,
			"UPDATE environments SET status = $1, started_at = $2 WHERE id = $3",
			string(status), startedAt, id)
	} else {
		_, err = db.ExecContext(ctx,
			"UPDATE environments SET status = $1 WHERE id = $2",
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update environment status: %w", err)
	}
	return nil
}

// MarkEnvironmentStopped records the terminal stop in a single write.
func (db *DB) MarkEnvironmentStopped(ctx context.Context, id string, stoppedAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE environments SET status = $1, stopped_at = $2 WHERE id = $3
	`, string(models.StatusStopped), stoppedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark environment stopped: %w", err)
	}
	return nil
}

// MarkEnvironmentFailed records the failure with its detail message.
func (db *DB) MarkEnvironmentFailed(ctx context.Context, id, detail string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE environments SET status = $1, failure_detail = $2 WHERE id = $3
	`, string(models.StatusFailed), detail, id)
	if err != nil {
		return fmt.Errorf("failed to mark environment failed: %w", err)
	}
	return nil
}

// UpdateHeartbeat records a liveness signal from the environment's user.
func (db *DB) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := db.ExecContext(ctx,
		"UPDATE environments SET last_heartbeat_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return platform.NewNotFoundError("environment", id)
	}
	return nil
}

// MarkUptimeWarned records that the uptime-cap warning has been emitted, so
// it only ever fires once per environment.
func (db *DB) MarkUptimeWarned(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE environments SET uptime_warned = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to mark uptime warned: %w", err)
	}
	return nil
}

func (db *DB) queryEnvironments(ctx context.Context, query string, args ...interface{}) ([]*models.Environment, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var environments []*models.Environment
	for rows.Next() {
		env, err := db.scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		environments = append(environments, env)
	}
	return environments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanEnvironment(row rowScanner) (*models.Environment, error) {
	var env models.Environment
	var statusStr string
	var bucketName, mountPath, failureDetail, envVarsJSON, labelsJSON sql.NullString
	var startedAt, stoppedAt, lastHeartbeat sql.NullTime

	err := row.Scan(
		&env.ID, &env.UserID, &statusStr, &env.Image, &env.PodName, &env.Namespace,
		&bucketName, &mountPath, &env.Provider,
		&env.Resources.CPU, &env.Resources.Memory, &env.CreatedAt, &startedAt, &stoppedAt,
		&lastHeartbeat, &env.KeepStorage, &env.UptimeWarned, &failureDetail,
		&envVarsJSON, &labelsJSON,
	)
	if err != nil {
		return nil, err
	}

	env.Status = models.EnvironmentStatus(statusStr)
	env.BucketName = bucketName.String
	env.MountPath = mountPath.String
	env.FailureDetail = failureDetail.String
	if startedAt.Valid {
		env.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		env.StoppedAt = &stoppedAt.Time
	}
	if lastHeartbeat.Valid {
		env.LastHeartbeat = &lastHeartbeat.Time
	}

	if envVarsJSON.Valid {
		if err := json.Unmarshal([]byte(envVarsJSON.String), &env.Env); err != nil {
			db.logger.Warn("failed to unmarshal env_vars", zap.Error(err), zap.String("environment_id", env.ID))
		}
	}
	if labelsJSON.Valid {
		if err := json.Unmarshal([]byte(labelsJSON.String), &env.Labels); err != nil {
			db.logger.Warn("failed to unmarshal labels", zap.Error(err), zap.String("environment_id", env.ID))
		}
	}

	return &env, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
