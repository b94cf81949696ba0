package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// apiKeyEnv lists the environment variables consulted for the API key,
// highest precedence first.
var apiKeyEnv = []string{"CONDUCTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the Anthropic API key from the environment or, failing
// that, the configuration.
func GetAPIKey(cfg *Config) (string, error) {
	key, _ := lookupAPIKey(cfg)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource returns where the API key was sourced from. Bedrock
// setups need no key and report KeySourceBedrock.
func GetAPIKeySource(cfg *Config) KeySource {
	if _, src := lookupAPIKey(cfg); src != KeySourceNone {
		return src
	}
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return KeySourceBedrock
	}
	return KeySourceNone
}

func lookupAPIKey(cfg *Config) (string, KeySource) {
	for _, name := range apiKeyEnv {
		if key := os.Getenv(name); key != "" {
			return key, KeySourceEnv
		}
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		// Unset ${VAR} references expand to nothing.
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
