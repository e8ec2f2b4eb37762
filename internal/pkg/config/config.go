package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Pipelines PipelinesConfig `koanf:"pipelines"`
	Workers   WorkersConfig   `koanf:"workers"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Users     []UserConfig    `koanf:"users"`
	Projects  []ProjectConfig `koanf:"projects"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"` // Duration string like "30s"
	// RequestsPerMinute limits API calls per authenticated user. Zero disables it.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, postgres, mysql, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// PipelinesConfig tunes pipeline creation.
type PipelinesConfig struct {
	PartitionID        int64                    `koanf:"partition_id"`
	ExternalValidation ExternalValidationConfig `koanf:"external_validation"`
}

// ExternalValidationConfig points at a service that can veto pipelines.
type ExternalValidationConfig struct {
	URL     string `koanf:"url"`
	Token   string `koanf:"token"`
	Timeout string `koanf:"timeout"`
	Retries int    `koanf:"retries"`
	// AllowPrivateNetworks permits validators on loopback or private addresses.
	AllowPrivateNetworks bool `koanf:"allow_private_networks"`
}

// WorkersConfig tunes the background job runner.
type WorkersConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Concurrency  int    `koanf:"concurrency"`
	PollInterval string `koanf:"poll_interval"`
	Lease        string `koanf:"lease"`
	MaxAttempts  int    `koanf:"max_attempts"`
	ScheduleCron string `koanf:"schedule_cron"`
	// Backfill enables partition_backfill jobs on PostgreSQL.
	Backfill bool `koanf:"backfill"`
}

type TelemetryConfig struct {
	Tracing     bool    `koanf:"tracing"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

type UserConfig struct {
	ID       int64         `koanf:"id"`
	Username string        `koanf:"username"`
	Email    string        `koanf:"email"`
	Blocked  bool          `koanf:"blocked"`
	Admin    bool          `koanf:"admin"`
	Tokens   []TokenConfig `koanf:"tokens"`
}

type TokenConfig struct {
	TokenHash   string `koanf:"token_hash"`
	Description string `koanf:"description"`
}

type ProjectConfig struct {
	ID                 int64            `koanf:"id"`
	Path               string           `koanf:"path"`
	DefaultBranch      string           `koanf:"default_branch"`
	CIConfigPath       string           `koanf:"ci_config_path"`
	BuildsEnabled      *bool            `koanf:"builds_enabled"` // nil means enabled
	PendingDelete      bool             `koanf:"pending_delete"`
	AutoDevOps         bool             `koanf:"auto_devops"`
	AutoCancelPending  bool             `koanf:"auto_cancel_pending"`
	ExternalValidation bool             `koanf:"external_validation"`
	ProtectedRefs      []string         `koanf:"protected_refs"`
	Members            []MemberConfig   `koanf:"members"`
	Limits             LimitsConfig     `koanf:"limits"`
	Triggers           []TriggerConfig  `koanf:"triggers"`
	Repository         RepositoryConfig `koanf:"repository"`
}

type MemberConfig struct {
	UserID int64  `koanf:"user_id"`
	Role   string `koanf:"role"` // guest, reporter, developer, maintainer, owner
}

type LimitsConfig struct {
	PipelineSize       int `koanf:"ci_pipeline_size"`
	ActivePipelines    int `koanf:"ci_active_pipelines"`
	ActiveJobs         int `koanf:"ci_active_jobs"`
	Deployments        int `koanf:"ci_pipeline_deployments"`
	PipelinesPerMinute int `koanf:"pipelines_created_per_minute"`
}

type TriggerConfig struct {
	TokenHash   string `koanf:"token_hash"`
	OwnerID     int64  `koanf:"owner_id"`
	Description string `koanf:"description"`
}

// RepositoryConfig seeds the in-memory repository of a project.
// Refs and files are lists because koanf splits map keys on ".".
type RepositoryConfig struct {
	Branches []RefConfig    `koanf:"branches"`
	Tags     []RefConfig    `koanf:"tags"`
	Commits  []CommitConfig `koanf:"commits"`
}

type RefConfig struct {
	Name string `koanf:"name"`
	SHA  string `koanf:"sha"`
}

type CommitConfig struct {
	SHA     string       `koanf:"sha"`
	Parent  string       `koanf:"parent"`
	Message string       `koanf:"message"`
	Files   []FileConfig `koanf:"files"`
	FileDir string       `koanf:"file_dir"` // optional directory read into Files
}

type FileConfig struct {
	Path    string `koanf:"path"`
	Content string `koanf:"content"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if it exists) and CICHAIN_ environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("CICHAIN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CICHAIN_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                           8080,
		"server.request_timeout":                "30s",
		"storage.type":                          "memory",
		"pipelines.external_validation.timeout": "5s",
		"workers.concurrency":                   4,
		"workers.poll_interval":                 "1s",
		"workers.lease":                         "5m",
		"workers.max_attempts":                  25,
		"workers.schedule_cron":                 "3-59/10 * * * *",
		"telemetry.service_name":                "cichain",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Pipelines.ExternalValidation.Token = substituteEnvVars(cfg.Pipelines.ExternalValidation.Token)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
