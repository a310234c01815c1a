package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Supported provider names.
const (
	PlatformGCP = "gcp"
	PlatformAWS = "aws"

	StorageProviderGCS = "gcs"
	StorageProviderS3  = "s3"

	AuthProviderGoogle  = "google"
	AuthProviderCognito = "cognito"
)

// Partial-failure policies for environment creation (bucket created, pod
// submission failed).
const (
	PartialFailureRetain   = "retain"
	PartialFailureRollback = "rollback"
)

// Config holds all application configuration. It is constructed once at
// startup, validated, and passed by reference into each component.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Resources  ResourceConfig   `yaml:"resources"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Reclaim    ReclaimConfig    `yaml:"reclaim"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig selects the backing store. A non-empty DSN selects
// PostgreSQL; otherwise SQLite at Path.
type DatabaseConfig struct {
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
}

// CloudConfig identifies the hosting cloud platform. It is the fallback for
// provider selection when no explicit provider is configured.
type CloudConfig struct {
	Platform string `yaml:"platform"`
}

// KubernetesConfig holds orchestrator connection configuration
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	// ServiceAccount is the in-namespace service account environment pods run
	// as. Cloud identity bindings attach to it.
	ServiceAccount string `yaml:"service_account"`
	DefaultImage   string `yaml:"default_image"`
	PodPrefix      string `yaml:"pod_prefix"`
}

// StorageConfig holds object-storage backend configuration
type StorageConfig struct {
	// Provider explicitly selects a backend ("gcs" or "s3"). Empty means
	// derive from the hosting platform.
	Provider     string `yaml:"provider"`
	BucketPrefix string `yaml:"bucket_prefix"`
	MountPath    string `yaml:"mount_path"`
	DefaultClass string `yaml:"default_class"`

	GCP GCPStorageConfig `yaml:"gcp"`
	AWS AWSStorageConfig `yaml:"aws"`
}

// GCPStorageConfig holds GCS-specific settings
type GCPStorageConfig struct {
	Project string `yaml:"project"`
	Region  string `yaml:"region"`
	// RuntimeServiceAccount is the GCP service account email the workload
	// identity binding maps pods to.
	RuntimeServiceAccount string `yaml:"runtime_service_account"`
}

// AWSStorageConfig holds S3-specific settings
type AWSStorageConfig struct {
	Region string `yaml:"region"`
	// RuntimeRoleARN is the IAM role bound to the pod service account.
	RuntimeRoleARN string `yaml:"runtime_role_arn"`
}

// AuthConfig holds identity-provider configuration
type AuthConfig struct {
	// Provider explicitly selects a backend ("google" or "cognito"). Empty
	// means auto-detect from which credential set is present, then fall back
	// to the hosting platform.
	Provider string `yaml:"provider"`

	SessionSecret string `yaml:"session_secret"`
	SessionExpiry string `yaml:"session_expiry"`

	Google  GoogleAuthConfig  `yaml:"google"`
	Cognito CognitoAuthConfig `yaml:"cognito"`
}

// GoogleAuthConfig holds Google OAuth credentials
type GoogleAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// CognitoAuthConfig holds AWS Cognito user-pool credentials
type CognitoAuthConfig struct {
	Region       string `yaml:"region"`
	UserPoolID   string `yaml:"user_pool_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Domain       string `yaml:"domain"`
	RedirectURL  string `yaml:"redirect_url"`
}

// ResourceConfig holds default resource limits and per-user quota
type ResourceConfig struct {
	DefaultCPULimit    string `yaml:"default_cpu_limit"`
	DefaultMemoryLimit string `yaml:"default_memory_limit"`
	// MaxUserPods caps concurrent non-terminal environments per user.
	MaxUserPods int `yaml:"max_user_pods"`
}

// LifecycleConfig holds environment lifecycle settings
type LifecycleConfig struct {
	// PartialFailurePolicy is "retain" (mark Failed, keep bucket for
	// recovery) or "rollback" (delete the bucket).
	PartialFailurePolicy string `yaml:"partial_failure_policy"`
	StartupTimeout       int    `yaml:"startup_timeout"`
}

// ReclaimConfig holds idle-reclamation sweep settings
type ReclaimConfig struct {
	Enabled              bool `yaml:"enabled"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
	IdleTimeoutMinutes   int  `yaml:"idle_timeout_minutes"`
	// MaxUptimeMinutes applies to metered-tier owners only.
	MaxUptimeMinutes     int `yaml:"max_uptime_minutes"`
	WarningWindowMinutes int `yaml:"warning_window_minutes"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(cfg *Config) {
	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.LogLevel = "info"

	cfg.Database.Path = "./cmbcluster.db"

	cfg.Cloud.Platform = PlatformGCP

	cfg.Kubernetes.Namespace = "cmbcluster"
	cfg.Kubernetes.ServiceAccount = "cmbcluster-workspace"
	cfg.Kubernetes.DefaultImage = "cmbagents/cmbcluster-workspace:latest"
	cfg.Kubernetes.PodPrefix = "cmbcluster-"

	cfg.Storage.BucketPrefix = "cmb"
	cfg.Storage.MountPath = "/workspace"
	cfg.Storage.DefaultClass = "STANDARD"
	cfg.Storage.GCP.Region = "us-central1"
	cfg.Storage.AWS.Region = "us-east-1"

	cfg.Auth.SessionExpiry = "12h"

	cfg.Resources.DefaultCPULimit = "2000m"
	cfg.Resources.DefaultMemoryLimit = "4Gi"
	cfg.Resources.MaxUserPods = 1

	cfg.Lifecycle.PartialFailurePolicy = PartialFailureRetain
	cfg.Lifecycle.StartupTimeout = 120

	cfg.Reclaim.Enabled = true
	cfg.Reclaim.SweepIntervalSeconds = 300
	cfg.Reclaim.IdleTimeoutMinutes = 60
	cfg.Reclaim.MaxUptimeMinutes = 240
	cfg.Reclaim.WarningWindowMinutes = 10
}

// overrideFromEnv overrides config with environment variables
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("CMBCLUSTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CMBCLUSTER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CMBCLUSTER_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("CMBCLUSTER_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CMBCLUSTER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CMBCLUSTER_CLOUD_PLATFORM"); v != "" {
		cfg.Cloud.Platform = v
	}
	if v := os.Getenv("CMBCLUSTER_KUBECONFIG"); v != "" {
		cfg.Kubernetes.Kubeconfig = v
	}
	if v := os.Getenv("CMBCLUSTER_NAMESPACE"); v != "" {
		cfg.Kubernetes.Namespace = v
	}
	if v := os.Getenv("CMBCLUSTER_SERVICE_ACCOUNT"); v != "" {
		cfg.Kubernetes.ServiceAccount = v
	}
	if v := os.Getenv("CMBCLUSTER_DEFAULT_IMAGE"); v != "" {
		cfg.Kubernetes.DefaultImage = v
	}
	if v := os.Getenv("CMBCLUSTER_STORAGE_PROVIDER"); v != "" {
		cfg.Storage.Provider = v
	}
	if v := os.Getenv("CMBCLUSTER_BUCKET_PREFIX"); v != "" {
		cfg.Storage.BucketPrefix = v
	}
	if v := os.Getenv("CMBCLUSTER_MOUNT_PATH"); v != "" {
		cfg.Storage.MountPath = v
	}
	if v := os.Getenv("CMBCLUSTER_GCP_PROJECT"); v != "" {
		cfg.Storage.GCP.Project = v
	}
	if v := os.Getenv("CMBCLUSTER_GCP_REGION"); v != "" {
		cfg.Storage.GCP.Region = v
	}
	if v := os.Getenv("CMBCLUSTER_GCP_RUNTIME_SERVICE_ACCOUNT"); v != "" {
		cfg.Storage.GCP.RuntimeServiceAccount = v
	}
	if v := os.Getenv("CMBCLUSTER_AWS_REGION"); v != "" {
		cfg.Storage.AWS.Region = v
	}
	if v := os.Getenv("CMBCLUSTER_AWS_RUNTIME_ROLE_ARN"); v != "" {
		cfg.Storage.AWS.RuntimeRoleARN = v
	}
	if v := os.Getenv("CMBCLUSTER_AUTH_PROVIDER"); v != "" {
		cfg.Auth.Provider = v
	}
	if v := os.Getenv("CMBCLUSTER_SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}
	if v := os.Getenv("CMBCLUSTER_SESSION_EXPIRY"); v != "" {
		cfg.Auth.SessionExpiry = v
	}
	if v := os.Getenv("CMBCLUSTER_GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.Google.ClientID = v
	}
	if v := os.Getenv("CMBCLUSTER_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.Google.ClientSecret = v
	}
	if v := os.Getenv("CMBCLUSTER_GOOGLE_REDIRECT_URL"); v != "" {
		cfg.Auth.Google.RedirectURL = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_REGION"); v != "" {
		cfg.Auth.Cognito.Region = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_USER_POOL_ID"); v != "" {
		cfg.Auth.Cognito.UserPoolID = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_CLIENT_ID"); v != "" {
		cfg.Auth.Cognito.ClientID = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_CLIENT_SECRET"); v != "" {
		cfg.Auth.Cognito.ClientSecret = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_DOMAIN"); v != "" {
		cfg.Auth.Cognito.Domain = v
	}
	if v := os.Getenv("CMBCLUSTER_COGNITO_REDIRECT_URL"); v != "" {
		cfg.Auth.Cognito.RedirectURL = v
	}
	if v := os.Getenv("CMBCLUSTER_MAX_USER_PODS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Resources.MaxUserPods = val
		}
	}
	if v := os.Getenv("CMBCLUSTER_PARTIAL_FAILURE_POLICY"); v != "" {
		cfg.Lifecycle.PartialFailurePolicy = v
	}
	if v := os.Getenv("CMBCLUSTER_STARTUP_TIMEOUT"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.StartupTimeout = val
		}
	}
	if v := os.Getenv("CMBCLUSTER_RECLAIM_ENABLED"); v != "" {
		cfg.Reclaim.Enabled = v == "true"
	}
	if v := os.Getenv("CMBCLUSTER_SWEEP_INTERVAL_SECONDS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Reclaim.SweepIntervalSeconds = val
		}
	}
	if v := os.Getenv("CMBCLUSTER_IDLE_TIMEOUT_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Reclaim.IdleTimeoutMinutes = val
		}
	}
	if v := os.Getenv("CMBCLUSTER_MAX_UPTIME_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Reclaim.MaxUptimeMinutes = val
		}
	}
	if v := os.Getenv("CMBCLUSTER_WARNING_WINDOW_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Reclaim.WarningWindowMinutes = val
		}
	}
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	if cfg.Cloud.Platform != PlatformGCP && cfg.Cloud.Platform != PlatformAWS {
		return fmt.Errorf("invalid cloud platform %q (expected %q or %q)", cfg.Cloud.Platform, PlatformGCP, PlatformAWS)
	}

	if cfg.Database.DSN == "" && cfg.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty without a dsn")
	}

	if cfg.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes namespace cannot be empty")
	}

	if cfg.Resources.MaxUserPods < 1 {
		return fmt.Errorf("max_user_pods must be at least 1")
	}

	if p := cfg.Lifecycle.PartialFailurePolicy; p != PartialFailureRetain && p != PartialFailureRollback {
		return fmt.Errorf("invalid partial_failure_policy %q (expected %q or %q)", p, PartialFailureRetain, PartialFailureRollback)
	}

	if cfg.Reclaim.WarningWindowMinutes >= cfg.Reclaim.MaxUptimeMinutes {
		return fmt.Errorf("warning_window_minutes must be less than max_uptime_minutes")
	}

	if _, err := ResolveStorageProvider(cfg); err != nil {
		return err
	}
	if _, err := ResolveAuthProvider(cfg); err != nil {
		return err
	}

	return nil
}

// ResolveStorageProvider returns the storage backend name for this process.
// Priority: explicit storage.provider, else the hosting platform default.
func ResolveStorageProvider(cfg *Config) (string, error) {
	switch cfg.Storage.Provider {
	case StorageProviderGCS:
		if cfg.Storage.GCP.Project == "" {
			return "", fmt.Errorf("storage provider %q requires CMBCLUSTER_GCP_PROJECT", StorageProviderGCS)
		}
		return StorageProviderGCS, nil
	case StorageProviderS3:
		if cfg.Storage.AWS.Region == "" {
			return "", fmt.Errorf("storage provider %q requires CMBCLUSTER_AWS_REGION", StorageProviderS3)
		}
		return StorageProviderS3, nil
	case "":
		// fall through to platform default
	default:
		return "", fmt.Errorf("unknown storage provider %q (expected %q or %q)", cfg.Storage.Provider, StorageProviderGCS, StorageProviderS3)
	}

	if cfg.Cloud.Platform == PlatformAWS {
		if cfg.Storage.AWS.Region == "" {
			return "", fmt.Errorf("storage provider %q requires CMBCLUSTER_AWS_REGION", StorageProviderS3)
		}
		return StorageProviderS3, nil
	}
	if cfg.Storage.GCP.Project == "" {
		return "", fmt.Errorf("storage provider %q requires CMBCLUSTER_GCP_PROJECT", StorageProviderGCS)
	}
	return StorageProviderGCS, nil
}

// ResolveAuthProvider returns the identity backend name for this process.
// Priority: explicit auth.provider, then auto-detect from which credential
// set is present, then the hosting platform. Ambiguous or missing
// configuration is a startup error naming the missing setting.
func ResolveAuthProvider(cfg *Config) (string, error) {
	googleConfigured := cfg.Auth.Google.ClientID != ""
	cognitoConfigured := cfg.Auth.Cognito.UserPoolID != ""

	switch cfg.Auth.Provider {
	case AuthProviderGoogle:
		if !googleConfigured {
			return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_GOOGLE_CLIENT_ID", AuthProviderGoogle)
		}
		return AuthProviderGoogle, nil
	case AuthProviderCognito:
		if !cognitoConfigured {
			return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_COGNITO_USER_POOL_ID", AuthProviderCognito)
		}
		if cfg.Auth.Cognito.Region == "" {
			return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_COGNITO_REGION", AuthProviderCognito)
		}
		return AuthProviderCognito, nil
	case "":
		// fall through to detection
	default:
		return "", fmt.Errorf("unknown auth provider %q (expected %q or %q)", cfg.Auth.Provider, AuthProviderGoogle, AuthProviderCognito)
	}

	if googleConfigured && cognitoConfigured {
		return "", fmt.Errorf("auth provider is ambiguous: both CMBCLUSTER_GOOGLE_CLIENT_ID and CMBCLUSTER_COGNITO_USER_POOL_ID are set; set CMBCLUSTER_AUTH_PROVIDER explicitly")
	}
	if googleConfigured {
		return AuthProviderGoogle, nil
	}
	if cognitoConfigured {
		if cfg.Auth.Cognito.Region == "" {
			return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_COGNITO_REGION", AuthProviderCognito)
		}
		return AuthProviderCognito, nil
	}

	// Neither credential set present: infer from the hosting platform and
	// report the setting that platform needs.
	if cfg.Cloud.Platform == PlatformAWS {
		return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_COGNITO_USER_POOL_ID", AuthProviderCognito)
	}
	return "", fmt.Errorf("auth provider %q requires CMBCLUSTER_GOOGLE_CLIENT_ID", AuthProviderGoogle)
}
