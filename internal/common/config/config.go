// Package config provides configuration management for Agor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agor.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Database            DatabaseConfig            `mapstructure:"database"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Events              EventsConfig              `mapstructure:"events"`
	Unix                UnixConfig                `mapstructure:"unix"`
	Auth                AuthConfig                `mapstructure:"auth"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	RepositoryDiscovery RepositoryDiscoveryConfig `mapstructure:"repositoryDiscovery"`
	Worktree            WorktreeConfig            `mapstructure:"worktree"`
	RepoClone           RepoCloneConfig           `mapstructure:"repoClone"`
	Gateway             GatewayConfig             `mapstructure:"gateway"`
	Terminal            TerminalConfig            `mapstructure:"terminal"`
	Executor            ExecutorConfig            `mapstructure:"executor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// UnixConfig controls how the daemon impersonates per-user Unix accounts
// when spawning executor subprocesses and syncing worktree group ACLs (C3/C4).
type UnixConfig struct {
	// Mode is "simple" (no impersonation, every task runs as the daemon
	// user), "insulated" (a single configured executor user for all runs),
	// or "strict" (impersonate the requesting user's unix_username).
	Mode string `mapstructure:"mode"`
	// InsulatedUser is the Unix account used for every task when Mode is
	// "insulated".
	InsulatedUser string `mapstructure:"insulatedUser"`
	// UsernamePrefix is loaded from configuration but not applied:
	// unixname.DeriveUsername derives usernames without any prefix.
	UsernamePrefix string `mapstructure:"usernamePrefix"`
	// GroupPrefix is loaded from configuration but not applied: group names
	// come from unixname.WorktreeGroup/RepoGroup, which use the fixed
	// "agor_wt_"/"agor_repo_" prefixes.
	GroupPrefix string `mapstructure:"groupPrefix"`
	// ShellPath is the login shell assigned to provisioned Unix accounts.
	ShellPath string `mapstructure:"shellPath"`
	// ExecMode selects how the privileged command runner applies group/user/ACL
	// operations: "direct" (run as the daemon's own uid, which must already
	// hold the needed privileges), "sudo" (wrap each command with sudo -n),
	// or "noop" (log the command and skip execution, for local dev without
	// root). This is independent of Mode: Mode decides which Unix identity a
	// task runs as, ExecMode decides how group/user management commands
	// themselves get root.
	ExecMode string `mapstructure:"execMode"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepositoryDiscoveryConfig holds configuration for local repository scanning.
type RepositoryDiscoveryConfig struct {
	Roots    []string `mapstructure:"roots"`
	MaxDepth int      `mapstructure:"maxDepth"`
}

// WorktreeConfig holds Git worktree configuration for isolated agent execution.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // Base directory for worktrees (default: ~/.agor/worktrees)
	DefaultBranch   string `mapstructure:"defaultBranch"`   // Default base branch (default: main)
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // Remove worktree directory when Worktree is deleted
	// PortRangeStart/PortRangeEnd bound the deterministic per-worktree port
	// derivation window.
	PortRangeStart int `mapstructure:"portRangeStart"`
	PortRangeEnd   int `mapstructure:"portRangeEnd"`
}

// RepoCloneConfig holds configuration for automatic repository cloning.
type RepoCloneConfig struct {
	BasePath string `mapstructure:"basePath"` // Base directory for cloned repos (default: ~/.agor/repos)
	Protocol string `mapstructure:"protocol"` // "ssh" or "https"
	// GitHubToken, when set, is used to resolve a registered repo's default
	// branch from the GitHub API instead of assuming "main". Optional: a
	// repo registered without a github.com remote, or without this token
	// configured, falls back to the "main" default unchanged.
	GitHubToken string `mapstructure:"githubToken"`
}

// GatewayConfig holds C9 external messaging connector configuration.
type GatewayConfig struct {
	DiscordEnabled  bool   `mapstructure:"discordEnabled"`
	DiscordToken    string `mapstructure:"discordToken"`
	TelegramEnabled bool   `mapstructure:"telegramEnabled"`
	TelegramToken   string `mapstructure:"telegramToken"`
}

// TerminalConfig holds C10 terminal multiplexer bridge configuration.
type TerminalConfig struct {
	// Multiplexer is "zellij" or "none" (raw PTY, no session persistence).
	Multiplexer    string `mapstructure:"multiplexer"`
	ScrollbackSize int    `mapstructure:"scrollbackSize"`
}

// ExecutorConfig locates and bounds the privileged agor-executor subprocess
// the session engine spawns for every prompt and stop request (C6/C7).
type ExecutorConfig struct {
	// BinPath is the agor-executor binary the daemon spawns (directly, or
	// via sudo -u when unix.mode requires impersonation). Defaults to
	// looking up "agor-executor" on PATH.
	BinPath string `mapstructure:"binPath"`
	// PromptTimeoutSeconds bounds one prompt's executor subprocess lifetime,
	// from spawn to stdout close.
	PromptTimeoutSeconds int `mapstructure:"promptTimeoutSeconds"`
	// StopGraceSeconds/KillGraceSeconds are the SIGTERM and SIGKILL grace
	// windows the AbortController waits out when cancelling a running Task.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// PromptTimeout returns the executor prompt timeout as a time.Duration.
func (e *ExecutorConfig) PromptTimeout() time.Duration {
	return time.Duration(e.PromptTimeoutSeconds) * time.Second
}

// StopGrace returns the SIGTERM grace window as a time.Duration.
func (e *ExecutorConfig) StopGrace() time.Duration {
	return time.Duration(e.StopGraceSeconds) * time.Second
}

// KillGrace returns the SIGKILL grace window as a time.Duration.
func (e *ExecutorConfig) KillGrace() time.Duration {
	return time.Duration(e.KillGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agor.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agor-cluster")
	v.SetDefault("nats.clientId", "agor-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Unix impersonation defaults
	v.SetDefault("unix.mode", "simple")
	v.SetDefault("unix.insulatedUser", "")
	v.SetDefault("unix.usernamePrefix", "agor-")
	v.SetDefault("unix.groupPrefix", "agor-repo-")
	v.SetDefault("unix.shellPath", "/bin/bash")
	v.SetDefault("unix.execMode", "noop")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Repository discovery defaults
	v.SetDefault("repositoryDiscovery.roots", []string{})
	v.SetDefault("repositoryDiscovery.maxDepth", 5)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.agor/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)
	v.SetDefault("worktree.portRangeStart", 30000)
	v.SetDefault("worktree.portRangeEnd", 40000)

	// RepoClone defaults
	v.SetDefault("repoClone.basePath", "~/.agor/repos")
	v.SetDefault("repoClone.protocol", "ssh")
	v.SetDefault("repoClone.githubToken", "")

	// Gateway defaults
	v.SetDefault("gateway.discordEnabled", false)
	v.SetDefault("gateway.discordToken", "")
	v.SetDefault("gateway.telegramEnabled", false)
	v.SetDefault("gateway.telegramToken", "")

	// Terminal defaults
	v.SetDefault("terminal.multiplexer", "zellij")
	v.SetDefault("terminal.scrollbackSize", 10000)

	// Executor defaults
	v.SetDefault("executor.binPath", "agor-executor")
	v.SetDefault("executor.promptTimeoutSeconds", 1800)
	v.SetDefault("executor.stopGraceSeconds", 2)
	v.SetDefault("executor.killGraceSeconds", 5)
}

// DataHome returns the base directory for Agor's data home, honoring
// AGOR_HOME and falling back to ~/.agor.
func DataHome() string {
	if home := os.Getenv("AGOR_HOME"); home != "" {
		return home
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".agor"
	}
	return filepath.Join(homeDir, ".agor")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the Agor data home, or /etc/agor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys where the env var naming differs from the config key naming
	// need an explicit bind.
	_ = v.BindEnv("logging.level", "AGOR_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "AGOR_EVENTS_NAMESPACE")
	_ = v.BindEnv("gateway.discordToken", "AGOR_DISCORD_TOKEN")
	_ = v.BindEnv("gateway.telegramToken", "AGOR_TELEGRAM_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(DataHome())
	v.AddConfigPath("/etc/agor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validUnixModes := map[string]bool{"simple": true, "insulated": true, "strict": true}
	if !validUnixModes[cfg.Unix.Mode] {
		errs = append(errs, "unix.mode must be one of: simple, insulated, strict")
	}
	if cfg.Unix.Mode == "insulated" && cfg.Unix.InsulatedUser == "" {
		errs = append(errs, "unix.insulatedUser is required when unix.mode is insulated")
	}
	validExecModes := map[string]bool{"direct": true, "sudo": true, "noop": true}
	if !validExecModes[cfg.Unix.ExecMode] {
		errs = append(errs, "unix.execMode must be one of: direct, sudo, noop")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.RepositoryDiscovery.MaxDepth <= 0 {
		errs = append(errs, "repositoryDiscovery.maxDepth must be positive")
	}

	if cfg.Worktree.PortRangeStart <= 0 || cfg.Worktree.PortRangeEnd <= cfg.Worktree.PortRangeStart {
		errs = append(errs, "worktree.portRangeEnd must be greater than worktree.portRangeStart")
	}

	validMultiplexers := map[string]bool{"zellij": true, "none": true}
	if !validMultiplexers[cfg.Terminal.Multiplexer] {
		errs = append(errs, "terminal.multiplexer must be one of: zellij, none")
	}

	if cfg.Executor.BinPath == "" {
		errs = append(errs, "executor.binPath is required")
	}
	if cfg.Executor.PromptTimeoutSeconds <= 0 {
		errs = append(errs, "executor.promptTimeoutSeconds must be positive")
	}
	if cfg.Executor.StopGraceSeconds <= 0 || cfg.Executor.KillGraceSeconds <= 0 {
		errs = append(errs, "executor.stopGraceSeconds and executor.killGraceSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set AGOR_AUTH_JWTSECRET explicitly.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
