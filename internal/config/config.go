// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// EngineConfig holds the workflow engine limits.
type EngineConfig struct {
	MaxEscalations      int           `mapstructure:"max_escalations"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RetryLimit          int           `mapstructure:"retry_limit"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	MaxParallel         int           `mapstructure:"max_parallel"`
	RequireReview       bool          `mapstructure:"require_review"`
	CheckpointRetention int           `mapstructure:"checkpoint_retention"`
	// EscalationTimeout fails runs whose escalation stays unanswered this
	// long. Zero disables the sweep.
	EscalationTimeout time.Duration `mapstructure:"escalation_timeout"`
	HookTimeout       time.Duration `mapstructure:"hook_timeout"`
}

// DecisionConfig holds decision engine settings.
type DecisionConfig struct {
	Threshold         float64 `mapstructure:"threshold"`
	KnowledgeDir      string  `mapstructure:"knowledge_dir"`
	MinKeywordOverlap int     `mapstructure:"min_keyword_overlap"`
	Temperature       float64 `mapstructure:"temperature"`
	ConfidenceFloor   float64 `mapstructure:"confidence_floor"`
	ConfidenceCeiling float64 `mapstructure:"confidence_ceiling"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// WorkspaceConfig selects how run workspaces are allocated.
type WorkspaceConfig struct {
	// BaseDir defaults to <data_dir>/workspaces.
	BaseDir string `mapstructure:"base_dir"`
	// RepoPath is the repository worktrees are created from.
	RepoPath    string `mapstructure:"repo_path"`
	GitWorktree bool   `mapstructure:"git_worktree"`
}

// LoggingConfig holds debug log settings.
type LoggingConfig struct {
	File    string `mapstructure:"file"`
	Verbose bool   `mapstructure:"verbose"`
}

// NotifyConfig holds console notification settings.
type NotifyConfig struct {
	Console bool `mapstructure:"console"`
	Color   bool `mapstructure:"color"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_ENGINE_TIMEOUT, ANTHROPIC_API_KEY, ...)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still applying
// defaults and environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "CONDUCTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.Decision.KnowledgeDir = expandEnv(cfg.Decision.KnowledgeDir)
	cfg.Workspace.BaseDir = expandEnv(cfg.Workspace.BaseDir)
	cfg.Logging.File = expandEnv(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Decision.Threshold < 0 || c.Decision.Threshold > 1 {
		return fmt.Errorf("decision.threshold must be within [0, 1], got %v", c.Decision.Threshold)
	}
	if c.Decision.ConfidenceFloor > c.Decision.ConfidenceCeiling {
		return fmt.Errorf("decision.confidence_floor (%v) exceeds confidence_ceiling (%v)",
			c.Decision.ConfidenceFloor, c.Decision.ConfidenceCeiling)
	}
	if c.Engine.CheckpointRetention != 0 && c.Engine.CheckpointRetention < 2 {
		return fmt.Errorf("engine.checkpoint_retention must be 0 or at least 2, got %d", c.Engine.CheckpointRetention)
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine.max_parallel must be at least 1, got %d", c.Engine.MaxParallel)
	}
	if c.Engine.EscalationTimeout < 0 {
		return fmt.Errorf("engine.escalation_timeout must not be negative")
	}
	return nil
}

// WorkspaceDir returns the workspace base directory.
func (c *Config) WorkspaceDir() string {
	if c.Workspace.BaseDir != "" {
		return c.Workspace.BaseDir
	}
	return filepath.Join(c.DataDir, "workspaces")
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes cfg to path. The API key is never written.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("engine.max_escalations", cfg.Engine.MaxEscalations)
	v.Set("engine.timeout", cfg.Engine.Timeout.String())
	v.Set("engine.retry_limit", cfg.Engine.RetryLimit)
	v.Set("engine.backoff_base", cfg.Engine.BackoffBase.String())
	v.Set("engine.backoff_max", cfg.Engine.BackoffMax.String())
	v.Set("engine.max_parallel", cfg.Engine.MaxParallel)
	v.Set("engine.require_review", cfg.Engine.RequireReview)
	v.Set("engine.checkpoint_retention", cfg.Engine.CheckpointRetention)
	v.Set("engine.escalation_timeout", cfg.Engine.EscalationTimeout.String())
	v.Set("engine.hook_timeout", cfg.Engine.HookTimeout.String())
	v.Set("decision.threshold", cfg.Decision.Threshold)
	v.Set("decision.knowledge_dir", cfg.Decision.KnowledgeDir)
	v.Set("decision.min_keyword_overlap", cfg.Decision.MinKeywordOverlap)
	v.Set("decision.temperature", cfg.Decision.Temperature)
	v.Set("decision.confidence_floor", cfg.Decision.ConfidenceFloor)
	v.Set("decision.confidence_ceiling", cfg.Decision.ConfidenceCeiling)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("workspace.base_dir", cfg.Workspace.BaseDir)
	v.Set("workspace.repo_path", cfg.Workspace.RepoPath)
	v.Set("workspace.git_worktree", cfg.Workspace.GitWorktree)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("logging.verbose", cfg.Logging.Verbose)
	v.Set("notify.console", cfg.Notify.Console)
	v.Set("notify.color", cfg.Notify.Color)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("engine.max_escalations", d.Engine.MaxEscalations)
	v.SetDefault("engine.timeout", d.Engine.Timeout.String())
	v.SetDefault("engine.retry_limit", d.Engine.RetryLimit)
	v.SetDefault("engine.backoff_base", d.Engine.BackoffBase.String())
	v.SetDefault("engine.backoff_max", d.Engine.BackoffMax.String())
	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)
	v.SetDefault("engine.require_review", d.Engine.RequireReview)
	v.SetDefault("engine.checkpoint_retention", d.Engine.CheckpointRetention)
	v.SetDefault("engine.escalation_timeout", "0s")
	v.SetDefault("engine.hook_timeout", d.Engine.HookTimeout.String())

	v.SetDefault("decision.threshold", d.Decision.Threshold)
	v.SetDefault("decision.knowledge_dir", "")
	v.SetDefault("decision.min_keyword_overlap", d.Decision.MinKeywordOverlap)
	v.SetDefault("decision.temperature", d.Decision.Temperature)
	v.SetDefault("decision.confidence_floor", d.Decision.ConfidenceFloor)
	v.SetDefault("decision.confidence_ceiling", d.Decision.ConfidenceCeiling)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("workspace.base_dir", "")
	v.SetDefault("workspace.repo_path", "")
	v.SetDefault("workspace.git_worktree", false)

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.verbose", false)

	v.SetDefault("notify.console", d.Notify.Console)
	v.SetDefault("notify.color", d.Notify.Color)
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// defaultDataDir returns the XDG data directory for conductor.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "conductor")
	}
	return filepath.Join(home, ".local", "share", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Engine: EngineConfig{
			MaxEscalations:      3,
			Timeout:             30 * time.Minute,
			RetryLimit:          3,
			BackoffBase:         500 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			MaxParallel:         1,
			CheckpointRetention: 10,
			HookTimeout:         10 * time.Second,
		},
		Decision: DecisionConfig{
			Threshold:         0.75,
			MinKeywordOverlap: 2,
			Temperature:       0.1,
			ConfidenceFloor:   0.3,
			ConfidenceCeiling: 0.9,
		},
		Anthropic: AnthropicConfig{
			MaxTokens: 1024,
		},
		Notify: NotifyConfig{
			Console: true,
			Color:   true,
		},
	}
}
