package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadable sets the minimum environment a valid Load needs.
func loadable(t *testing.T) {
	t.Helper()
	t.Setenv("CMBCLUSTER_GCP_PROJECT", "cmb-research")
	t.Setenv("CMBCLUSTER_GOOGLE_CLIENT_ID", "client-id.apps.googleusercontent.com")
}

func TestLoadDefaults(t *testing.T) {
	loadable(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "./cmbcluster.db", cfg.Database.Path)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, PlatformGCP, cfg.Cloud.Platform)
	assert.Equal(t, "cmbcluster", cfg.Kubernetes.Namespace)
	assert.Equal(t, "cmbcluster-workspace", cfg.Kubernetes.ServiceAccount)
	assert.Equal(t, "cmb", cfg.Storage.BucketPrefix)
	assert.Equal(t, "/workspace", cfg.Storage.MountPath)
	assert.Equal(t, "12h", cfg.Auth.SessionExpiry)
	assert.Equal(t, 1, cfg.Resources.MaxUserPods)
	assert.Equal(t, PartialFailureRetain, cfg.Lifecycle.PartialFailurePolicy)
	assert.True(t, cfg.Reclaim.Enabled)
	assert.Equal(t, 300, cfg.Reclaim.SweepIntervalSeconds)
	assert.Equal(t, 60, cfg.Reclaim.IdleTimeoutMinutes)
	assert.Equal(t, 240, cfg.Reclaim.MaxUptimeMinutes)
	assert.Equal(t, 10, cfg.Reclaim.WarningWindowMinutes)
}

func TestLoadFromFile(t *testing.T) {
	loadable(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
  log_level: debug
kubernetes:
  namespace: research
resources:
  max_user_pods: 3
reclaim:
  idle_timeout_minutes: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "research", cfg.Kubernetes.Namespace)
	assert.Equal(t, 3, cfg.Resources.MaxUserPods)
	assert.Equal(t, 30, cfg.Reclaim.IdleTimeoutMinutes)

	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 240, cfg.Reclaim.MaxUptimeMinutes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	loadable(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("CMBCLUSTER_PORT", "7070")
	t.Setenv("CMBCLUSTER_NAMESPACE", "override-ns")
	t.Setenv("CMBCLUSTER_DB_DSN", "postgres://cmb@db/cmbcluster")
	t.Setenv("CMBCLUSTER_DB_PATH", "/var/lib/cmbcluster/state.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "override-ns", cfg.Kubernetes.Namespace)
	assert.Equal(t, "postgres://cmb@db/cmbcluster", cfg.Database.DSN)
	assert.Equal(t, "/var/lib/cmbcluster/state.db", cfg.Database.Path)
}

func TestLoadMissingFile(t *testing.T) {
	loadable(t)

	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	loadable(t)

	tests := []struct {
		name     string
		envKey   string
		envValue string
		errorMsg string
	}{
		{"invalid port", "CMBCLUSTER_PORT", "99999", "invalid port"},
		{"invalid platform", "CMBCLUSTER_CLOUD_PLATFORM", "azure", "invalid cloud platform"},
		{"zero user pods", "CMBCLUSTER_MAX_USER_PODS", "0", "max_user_pods"},
		{"bad partial failure policy", "CMBCLUSTER_PARTIAL_FAILURE_POLICY", "ignore", "partial_failure_policy"},
		{"warning window too large", "CMBCLUSTER_WARNING_WINDOW_MINUTES", "500", "warning_window_minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.envValue)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestResolveStorageProvider(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		expected string
		errorMsg string
	}{
		{
			name: "explicit gcs",
			mutate: func(cfg *Config) {
				cfg.Storage.Provider = StorageProviderGCS
				cfg.Storage.GCP.Project = "cmb-research"
			},
			expected: StorageProviderGCS,
		},
		{
			name: "explicit s3",
			mutate: func(cfg *Config) {
				cfg.Storage.Provider = StorageProviderS3
			},
			expected: StorageProviderS3,
		},
		{
			name: "explicit gcs without project",
			mutate: func(cfg *Config) {
				cfg.Storage.Provider = StorageProviderGCS
			},
			errorMsg: "CMBCLUSTER_GCP_PROJECT",
		},
		{
			name: "platform default gcp",
			mutate: func(cfg *Config) {
				cfg.Storage.GCP.Project = "cmb-research"
			},
			expected: StorageProviderGCS,
		},
		{
			name: "platform default aws",
			mutate: func(cfg *Config) {
				cfg.Cloud.Platform = PlatformAWS
			},
			expected: StorageProviderS3,
		},
		{
			name: "explicit wins over platform",
			mutate: func(cfg *Config) {
				cfg.Cloud.Platform = PlatformAWS
				cfg.Storage.Provider = StorageProviderGCS
				cfg.Storage.GCP.Project = "cmb-research"
			},
			expected: StorageProviderGCS,
		},
		{
			name: "unknown provider",
			mutate: func(cfg *Config) {
				cfg.Storage.Provider = "azure-blob"
			},
			errorMsg: "unknown storage provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)

			got, err := ResolveStorageProvider(cfg)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestResolveAuthProvider(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		expected string
		errorMsg string
	}{
		{
			name: "explicit google",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = AuthProviderGoogle
				cfg.Auth.Google.ClientID = "client-id"
			},
			expected: AuthProviderGoogle,
		},
		{
			name: "explicit google without credentials",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = AuthProviderGoogle
			},
			errorMsg: "CMBCLUSTER_GOOGLE_CLIENT_ID",
		},
		{
			name: "explicit cognito",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = AuthProviderCognito
				cfg.Auth.Cognito.UserPoolID = "eu-west-1_AbCdEf"
				cfg.Auth.Cognito.Region = "eu-west-1"
			},
			expected: AuthProviderCognito,
		},
		{
			name: "explicit cognito without region",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = AuthProviderCognito
				cfg.Auth.Cognito.UserPoolID = "eu-west-1_AbCdEf"
			},
			errorMsg: "CMBCLUSTER_COGNITO_REGION",
		},
		{
			name: "auto-detect google",
			mutate: func(cfg *Config) {
				cfg.Auth.Google.ClientID = "client-id"
			},
			expected: AuthProviderGoogle,
		},
		{
			name: "auto-detect cognito",
			mutate: func(cfg *Config) {
				cfg.Auth.Cognito.UserPoolID = "eu-west-1_AbCdEf"
				cfg.Auth.Cognito.Region = "eu-west-1"
			},
			expected: AuthProviderCognito,
		},
		{
			name: "ambiguous credentials",
			mutate: func(cfg *Config) {
				cfg.Auth.Google.ClientID = "client-id"
				cfg.Auth.Cognito.UserPoolID = "eu-west-1_AbCdEf"
			},
			errorMsg: "ambiguous",
		},
		{
			name: "explicit resolves ambiguity",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = AuthProviderGoogle
				cfg.Auth.Google.ClientID = "client-id"
				cfg.Auth.Cognito.UserPoolID = "eu-west-1_AbCdEf"
			},
			expected: AuthProviderGoogle,
		},
		{
			name:     "nothing configured on gcp",
			mutate:   func(cfg *Config) {},
			errorMsg: "CMBCLUSTER_GOOGLE_CLIENT_ID",
		},
		{
			name: "nothing configured on aws",
			mutate: func(cfg *Config) {
				cfg.Cloud.Platform = PlatformAWS
			},
			errorMsg: "CMBCLUSTER_COGNITO_USER_POOL_ID",
		},
		{
			name: "unknown provider",
			mutate: func(cfg *Config) {
				cfg.Auth.Provider = "okta"
			},
			errorMsg: "unknown auth provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)

			got, err := ResolveAuthProvider(cfg)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}
