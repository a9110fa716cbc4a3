// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Environment tiers, in promotion order.
const (
	TierFeature    = "feature"
	TierStaging    = "staging"
	TierProduction = "production"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it.
type AppConfig struct {
	Database     DatabaseConfig               `mapstructure:"database"`
	Log          LogConfig                    `mapstructure:"log"`
	Temporal     TemporalConfig               `mapstructure:"temporal"`
	Server       ServerConfig                 `mapstructure:"server"`
	Auth         AuthConfig                   `mapstructure:"auth"`
	Provisioner  ProvisionerConfig            `mapstructure:"provisioner"`
	Artifacts    ArtifactsConfig              `mapstructure:"artifacts"`
	Locks        LockConfig                   `mapstructure:"locks"`
	Approval     ApprovalConfig               `mapstructure:"approval"`
	Credentials  CredentialsConfig            `mapstructure:"credentials"`
	Pipeline     PipelineConfig               `mapstructure:"pipeline"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
	Reaper       ReaperConfig                 `mapstructure:"reaper"`
	Telemetry    TelemetryConfig              `mapstructure:"telemetry"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TemporalConfig holds Temporal-related configuration.
type TemporalConfig struct {
	HostPort  string          `mapstructure:"host_port"`
	Namespace string          `mapstructure:"namespace"`
	TaskQueue string          `mapstructure:"task_queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Activity  ActivityOptions `mapstructure:"activity"`
	Workflow  WorkflowOptions `mapstructure:"workflow"`
}

// WorkerConfig holds Temporal worker configuration.
type WorkerConfig struct {
	MaxConcurrentActivityExecutions int     `mapstructure:"max_concurrent_activities"`
	MaxConcurrentWorkflows          int     `mapstructure:"max_concurrent_workflows"`
	ActivitiesPerSecond             float64 `mapstructure:"activities_per_second"`
}

// ActivityOptions holds common activity options.
// StageTimeout bounds a single engine step, which may run a full apply.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration `mapstructure:"start_to_close_timeout"`
	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	RetryPolicy         RetryPolicy   `mapstructure:"retry_policy"`
}

// RetryPolicy defines retry behavior for activities.
type RetryPolicy struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	MaximumInterval    time.Duration `mapstructure:"maximum_interval"`
	MaximumAttempts    int32         `mapstructure:"maximum_attempts"`
}

// WorkflowOptions holds common workflow options.
type WorkflowOptions struct {
	WorkflowExecutionTimeout time.Duration `mapstructure:"workflow_execution_timeout"`
	WorkflowRunTimeout       time.Duration `mapstructure:"workflow_run_timeout"`
	WorkflowTaskTimeout      time.Duration `mapstructure:"workflow_task_timeout"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// AuthConfig selects how API callers are identified.
type AuthConfig struct {
	Mode string     `mapstructure:"mode"` // "header" or "oidc"
	OIDC OIDCConfig `mapstructure:"oidc"`
}

// OIDCConfig configures bearer token verification.
type OIDCConfig struct {
	IssuerURL  string `mapstructure:"issuer_url"`
	ClientID   string `mapstructure:"client_id"`
	RolesClaim string `mapstructure:"roles_claim"`
}

// ProvisionerConfig describes how the provisioning tool is invoked.
type ProvisionerConfig struct {
	Binary         string             `mapstructure:"binary"`
	Runner         string             `mapstructure:"runner"` // "local" or "docker"
	WorkspaceRoot  string             `mapstructure:"workspace_root"`
	Environment    map[string]string  `mapstructure:"environment"`
	MaxOutputBytes int                `mapstructure:"max_output_bytes"`
	CommandTimeout time.Duration      `mapstructure:"command_timeout"`
	Retry          BackoffConfig      `mapstructure:"retry"`
	Docker         DockerRunnerConfig `mapstructure:"docker"`
}

// DockerRunnerConfig configures the containerized runner.
type DockerRunnerConfig struct {
	Host        string `mapstructure:"host"`
	Image       string `mapstructure:"image"`
	NetworkMode string `mapstructure:"network_mode"`
	MountPath   string `mapstructure:"mount_path"`
}

// BackoffConfig bounds an exponential backoff loop.
type BackoffConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// ArtifactsConfig selects the blob store for plan files and stage logs.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"` // "filesystem" or "s3"
	Dir       string `mapstructure:"dir"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LockConfig holds state lock lease settings.
type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // "database" or "memory"
	Lease         time.Duration `mapstructure:"lease"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	Acquire       BackoffConfig `mapstructure:"acquire"`
}

// ApprovalConfig holds approval gate defaults.
type ApprovalConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	DefaultRole    string        `mapstructure:"default_role"`
}

// CredentialsConfig holds scoped credential issuance settings.
type CredentialsConfig struct {
	SigningKey string                   `mapstructure:"signing_key"`
	Issuer     string                   `mapstructure:"issuer"`
	TTL        map[string]time.Duration `mapstructure:"ttl"`
	LedgerSize int64                    `mapstructure:"ledger_size"`
}

// PipelineConfig holds run-level policy.
type PipelineConfig struct {
	PlanValidity time.Duration `mapstructure:"plan_validity"`
	MaxReplans   int           `mapstructure:"max_replans"`
}

// EnvironmentConfig describes one promotion tier.
type EnvironmentConfig struct {
	ResourceKey string `mapstructure:"resource_key"`
	// WorkingDir is relative to provisioner.workspace_root.
	WorkingDir string `mapstructure:"working_dir"`
	// Workspace selects the tool workspace (TF_WORKSPACE). Empty means "default".
	Workspace string `mapstructure:"workspace"`
	// VarFiles are passed to plan as -var-file, relative to WorkingDir.
	VarFiles []string `mapstructure:"var_files"`
	// BackendConfig is passed to backend init as -backend-config=key=value.
	BackendConfig   map[string]string `mapstructure:"backend_config"`
	ApproverRole    string            `mapstructure:"approver_role"`
	ApprovalTimeout time.Duration     `mapstructure:"approval_timeout"`
}

// StateIdentity names the remote state an environment plans and applies
// against. Two environments with the same identity share state.
func (e EnvironmentConfig) StateIdentity() string {
	ws := e.Workspace
	if ws == "" {
		ws = "default"
	}
	keys := make([]string, 0, len(e.BackendConfig))
	for k := range e.BackendConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{filepath.ToSlash(filepath.Clean(e.WorkingDir)), ws}
	for _, k := range keys {
		parts = append(parts, k+"="+e.BackendConfig[k])
	}
	return strings.Join(parts, "|")
}

// ReaperConfig schedules the expiry sweeper.
type ReaperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	// StalledAfter is how long a pending or running run may go untouched
	// before the reaper restarts its driver. Zero disables restarts.
	StalledAfter time.Duration `mapstructure:"stalled_after"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/shipyard/")
		v.AddConfigPath("$HOME/.shipyard")
	}

	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment-only overrides need the key registered before Unmarshal sees it.
	for _, key := range []string{
		"database.password",
		"credentials.signing_key",
		"artifacts.access_key",
		"artifacts.secret_key",
	} {
		_ = v.BindEnv(key)
	}

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment. Tests use it as a starting point.
func Default() *AppConfig {
	cfg := defaultConfig()
	return &cfg
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "shipyard.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/shipyard.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"temporal":     "WARN",
				"database":     "INFO",
				"locks":        "INFO",
				"provisioner":  "INFO",
				"approval":     "INFO",
				"credentials":  "INFO",
				"api":          "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "shipyard-pipelines",
			Worker: WorkerConfig{
				MaxConcurrentActivityExecutions: 50,
				MaxConcurrentWorkflows:          200,
				ActivitiesPerSecond:             1000,
			},
			Activity: ActivityOptions{
				StartToCloseTimeout: 30 * time.Second,
				StageTimeout:        2 * time.Hour,
				HeartbeatTimeout:    30 * time.Second,
				RetryPolicy: RetryPolicy{
					InitialInterval:    time.Second,
					BackoffCoefficient: 2.0,
					MaximumInterval:    time.Minute,
					MaximumAttempts:    3,
				},
			},
			Workflow: WorkflowOptions{
				WorkflowExecutionTimeout: 7 * 24 * time.Hour,
				WorkflowRunTimeout:       7 * 24 * time.Hour,
				WorkflowTaskTimeout:      10 * time.Second,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Auth: AuthConfig{
			Mode: "header",
			OIDC: OIDCConfig{
				RolesClaim: "roles",
			},
		},
		Provisioner: ProvisionerConfig{
			Binary:         "terraform",
			Runner:         "local",
			WorkspaceRoot:  "./workspaces",
			MaxOutputBytes: 1 << 20,
			CommandTimeout: time.Hour,
			Retry: BackoffConfig{
				MaxAttempts:     3,
				InitialInterval: 5 * time.Second,
				MaxInterval:     time.Minute,
			},
			Docker: DockerRunnerConfig{
				Host:      "unix:///var/run/docker.sock",
				Image:     "hashicorp/terraform:1.9",
				MountPath: "/workspace",
			},
		},
		Artifacts: ArtifactsConfig{
			Backend: "filesystem",
			Dir:     "./artifacts",
			Bucket:  "shipyard-artifacts",
			Region:  "us-east-1",
		},
		Locks: LockConfig{
			Backend:       "database",
			Lease:         10 * time.Minute,
			RenewInterval: 2 * time.Minute,
			Acquire: BackoffConfig{
				MaxAttempts:     5,
				InitialInterval: 2 * time.Second,
				MaxInterval:     30 * time.Second,
			},
		},
		Approval: ApprovalConfig{
			DefaultTimeout: 24 * time.Hour,
			DefaultRole:    "approver",
		},
		Credentials: CredentialsConfig{
			Issuer: "shipyard",
			TTL: map[string]time.Duration{
				"validate": 5 * time.Minute,
				"plan":     15 * time.Minute,
				"apply":    time.Hour,
			},
			LedgerSize: 10000,
		},
		Pipeline: PipelineConfig{
			PlanValidity: time.Hour,
			MaxReplans:   2,
		},
		Environments: map[string]EnvironmentConfig{
			TierFeature: {
				ResourceKey:  "infra/feature",
				WorkingDir:   "infra/feature",
				ApproverRole: "operator",
			},
			TierStaging: {
				ResourceKey:     "infra/staging",
				WorkingDir:      "infra/staging",
				ApproverRole:    "approver",
				ApprovalTimeout: 4 * time.Hour,
			},
			TierProduction: {
				ResourceKey:     "infra/production",
				WorkingDir:      "infra/production",
				ApproverRole:    "approver",
				ApprovalTimeout: time.Hour,
			},
		},
		Reaper: ReaperConfig{
			Enabled:      true,
			Schedule:     "@every 1m",
			StalledAfter: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "shipyard",
			SampleRatio: 1.0,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	c.Provisioner.WorkspaceRoot = expandPath(c.Provisioner.WorkspaceRoot)
	c.Artifacts.Dir = expandPath(c.Artifacts.Dir)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Auth.Mode {
	case "header":
	case "oidc":
		if c.Auth.OIDC.IssuerURL == "" || c.Auth.OIDC.ClientID == "" {
			return errors.New("auth.oidc.issuer_url and auth.oidc.client_id are required in oidc mode")
		}
	default:
		return fmt.Errorf("auth.mode must be 'header' or 'oidc', got: %s", c.Auth.Mode)
	}

	if c.Provisioner.Binary == "" {
		return errors.New("provisioner.binary is required")
	}
	if c.Provisioner.Runner != "local" && c.Provisioner.Runner != "docker" {
		return fmt.Errorf("provisioner.runner must be 'local' or 'docker', got: %s", c.Provisioner.Runner)
	}
	if c.Provisioner.Runner == "docker" && c.Provisioner.Docker.Image == "" {
		return errors.New("provisioner.docker.image is required with the docker runner")
	}

	switch c.Artifacts.Backend {
	case "filesystem":
		if c.Artifacts.Dir == "" {
			return errors.New("artifacts.dir is required for the filesystem backend")
		}
	case "s3":
		if c.Artifacts.Endpoint == "" || c.Artifacts.Bucket == "" {
			return errors.New("artifacts.endpoint and artifacts.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be 'filesystem' or 's3', got: %s", c.Artifacts.Backend)
	}

	if c.Locks.Backend != "database" && c.Locks.Backend != "memory" {
		return fmt.Errorf("locks.backend must be 'database' or 'memory', got: %s", c.Locks.Backend)
	}
	if c.Locks.Lease <= 0 {
		return errors.New("locks.lease must be positive")
	}
	if c.Locks.RenewInterval <= 0 || c.Locks.RenewInterval >= c.Locks.Lease {
		return fmt.Errorf("locks.renew_interval must be positive and shorter than the lease (%s)", c.Locks.Lease)
	}

	if c.Approval.DefaultTimeout <= 0 {
		return errors.New("approval.default_timeout must be positive")
	}
	if c.Pipeline.PlanValidity <= 0 {
		return errors.New("pipeline.plan_validity must be positive")
	}
	if c.Pipeline.MaxReplans < 0 {
		return errors.New("pipeline.max_replans cannot be negative")
	}

	states := map[string]string{}
	for _, tier := range []string{TierFeature, TierStaging, TierProduction} {
		env, ok := c.Environments[tier]
		if !ok {
			return fmt.Errorf("environments.%s is required", tier)
		}
		if env.ResourceKey == "" {
			return fmt.Errorf("environments.%s.resource_key is required", tier)
		}
		id := env.StateIdentity()
		if other, dup := states[id]; dup {
			return fmt.Errorf("environments.%s and environments.%s share state; set a distinct working_dir, workspace or backend_config", other, tier)
		}
		states[id] = tier
	}

	return nil
}

// Environment returns the configuration for a tier.
func (c *AppConfig) Environment(tier string) (EnvironmentConfig, bool) {
	env, ok := c.Environments[tier]
	return env, ok
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
