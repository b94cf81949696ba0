package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var configShowPaths bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conductor/config.yaml
Project-specific overrides can be placed in .conductor.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowPaths {
			fmt.Printf("user: %s\n", config.GetUserConfigPath())
			if p := config.GetProjectConfigPath(); p != "" {
				fmt.Printf("project: %s\n", p)
			}
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configShowPaths, "path", false, "Show which config files are read")
}

// configKey reads and writes one dot-notation setting.
type configKey struct {
	name string
	get  func(*config.Config) string
	set  func(*config.Config, string) error
}

var configKeys = []configKey{
	{"data_dir",
		func(c *config.Config) string { return c.DataDir },
		func(c *config.Config, v string) error { c.DataDir = v; return nil }},
	{"engine.max_escalations",
		func(c *config.Config) string { return strconv.Itoa(c.Engine.MaxEscalations) },
		intSetter(func(c *config.Config) *int { return &c.Engine.MaxEscalations })},
	{"engine.timeout",
		func(c *config.Config) string { return c.Engine.Timeout.String() },
		durationSetter(func(c *config.Config) *time.Duration { return &c.Engine.Timeout })},
	{"engine.retry_limit",
		func(c *config.Config) string { return strconv.Itoa(c.Engine.RetryLimit) },
		intSetter(func(c *config.Config) *int { return &c.Engine.RetryLimit })},
	{"engine.backoff_base",
		func(c *config.Config) string { return c.Engine.BackoffBase.String() },
		durationSetter(func(c *config.Config) *time.Duration { return &c.Engine.BackoffBase })},
	{"engine.backoff_max",
		func(c *config.Config) string { return c.Engine.BackoffMax.String() },
		durationSetter(func(c *config.Config) *time.Duration { return &c.Engine.BackoffMax })},
	{"engine.max_parallel",
		func(c *config.Config) string { return strconv.Itoa(c.Engine.MaxParallel) },
		intSetter(func(c *config.Config) *int { return &c.Engine.MaxParallel })},
	{"engine.require_review",
		func(c *config.Config) string { return strconv.FormatBool(c.Engine.RequireReview) },
		boolSetter(func(c *config.Config) *bool { return &c.Engine.RequireReview })},
	{"engine.checkpoint_retention",
		func(c *config.Config) string { return strconv.Itoa(c.Engine.CheckpointRetention) },
		intSetter(func(c *config.Config) *int { return &c.Engine.CheckpointRetention })},
	{"engine.escalation_timeout",
		func(c *config.Config) string { return c.Engine.EscalationTimeout.String() },
		durationSetter(func(c *config.Config) *time.Duration { return &c.Engine.EscalationTimeout })},
	{"engine.hook_timeout",
		func(c *config.Config) string { return c.Engine.HookTimeout.String() },
		durationSetter(func(c *config.Config) *time.Duration { return &c.Engine.HookTimeout })},
	{"decision.threshold",
		func(c *config.Config) string { return formatFloat(c.Decision.Threshold) },
		floatSetter(func(c *config.Config) *float64 { return &c.Decision.Threshold })},
	{"decision.knowledge_dir",
		func(c *config.Config) string { return c.Decision.KnowledgeDir },
		func(c *config.Config, v string) error { c.Decision.KnowledgeDir = v; return nil }},
	{"decision.min_keyword_overlap",
		func(c *config.Config) string { return strconv.Itoa(c.Decision.MinKeywordOverlap) },
		intSetter(func(c *config.Config) *int { return &c.Decision.MinKeywordOverlap })},
	{"decision.temperature",
		func(c *config.Config) string { return formatFloat(c.Decision.Temperature) },
		floatSetter(func(c *config.Config) *float64 { return &c.Decision.Temperature })},
	{"decision.confidence_floor",
		func(c *config.Config) string { return formatFloat(c.Decision.ConfidenceFloor) },
		floatSetter(func(c *config.Config) *float64 { return &c.Decision.ConfidenceFloor })},
	{"decision.confidence_ceiling",
		func(c *config.Config) string { return formatFloat(c.Decision.ConfidenceCeiling) },
		floatSetter(func(c *config.Config) *float64 { return &c.Decision.ConfidenceCeiling })},
	{"anthropic.api_key",
		func(c *config.Config) string {
			if c.Anthropic.APIKey == "" {
				return "(not set)"
			}
			return config.MaskAPIKey(c.Anthropic.APIKey)
		},
		func(c *config.Config, v string) error {
			// Empty clears the key and ${VAR} defers to the environment.
			if v != "" && !strings.HasPrefix(v, "${") {
				if err := config.ValidateAPIKey(v); err != nil {
					return err
				}
			}
			c.Anthropic.APIKey = v
			return nil
		}},
	{"anthropic.model",
		func(c *config.Config) string { return c.Anthropic.Model },
		func(c *config.Config, v string) error { c.Anthropic.Model = v; return nil }},
	{"anthropic.max_tokens",
		func(c *config.Config) string { return strconv.FormatInt(c.Anthropic.MaxTokens, 10) },
		func(c *config.Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			c.Anthropic.MaxTokens = n
			return nil
		}},
	{"anthropic.use_bedrock",
		func(c *config.Config) string { return strconv.FormatBool(c.Anthropic.UseBedrock) },
		boolSetter(func(c *config.Config) *bool { return &c.Anthropic.UseBedrock })},
	{"anthropic.aws_region",
		func(c *config.Config) string { return c.Anthropic.AWSRegion },
		func(c *config.Config, v string) error { c.Anthropic.AWSRegion = v; return nil }},
	{"anthropic.aws_profile",
		func(c *config.Config) string { return c.Anthropic.AWSProfile },
		func(c *config.Config, v string) error { c.Anthropic.AWSProfile = v; return nil }},
	{"workspace.base_dir",
		func(c *config.Config) string { return c.Workspace.BaseDir },
		func(c *config.Config, v string) error { c.Workspace.BaseDir = v; return nil }},
	{"workspace.repo_path",
		func(c *config.Config) string { return c.Workspace.RepoPath },
		func(c *config.Config, v string) error { c.Workspace.RepoPath = v; return nil }},
	{"workspace.git_worktree",
		func(c *config.Config) string { return strconv.FormatBool(c.Workspace.GitWorktree) },
		boolSetter(func(c *config.Config) *bool { return &c.Workspace.GitWorktree })},
	{"logging.file",
		func(c *config.Config) string { return c.Logging.File },
		func(c *config.Config, v string) error { c.Logging.File = v; return nil }},
	{"logging.verbose",
		func(c *config.Config) string { return strconv.FormatBool(c.Logging.Verbose) },
		boolSetter(func(c *config.Config) *bool { return &c.Logging.Verbose })},
	{"notify.console",
		func(c *config.Config) string { return strconv.FormatBool(c.Notify.Console) },
		boolSetter(func(c *config.Config) *bool { return &c.Notify.Console })},
	{"notify.color",
		func(c *config.Config) string { return strconv.FormatBool(c.Notify.Color) },
		boolSetter(func(c *config.Config) *bool { return &c.Notify.Color })},
}

func lookupConfigKey(key string) (configKey, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown configuration key: %s", key)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, k := range configKeys {
		fmt.Printf("%s: %s\n", k.name, k.get(cfg))
	}
	fmt.Printf("(api key source: %s)\n", config.GetAPIKeySource(cfg))
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	k, err := lookupConfigKey(key)
	if err != nil {
		return "", err
	}
	return k.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key. The
// result must still validate.
func setConfigValue(cfg *config.Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", k.name, err)
	}
	return cfg.Validate()
}

// setConfigKey sets a configuration value and saves the user config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	if strings.EqualFold(key, "anthropic.api_key") {
		fmt.Println("Note: API keys are not written to disk; set ANTHROPIC_API_KEY instead.")
		return nil
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

func intSetter(field func(*config.Config) *int) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*config.Config) *float64) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func boolSetter(field func(*config.Config) *bool) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationSetter(field func(*config.Config) *time.Duration) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
