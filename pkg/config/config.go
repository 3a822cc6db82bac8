/*
Copyright 2025 Hare Krishna Rai

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AllRules is the ignore key applying to every rule
const AllRules = "*"

// Config represents the complete ghascan configuration
type Config struct {
	Version  string   `yaml:"version" json:"version"`
	Rules    Rules    `yaml:"rules" json:"rules"`
	Scan     Scan     `yaml:"scan" json:"scan"`
	Output   Output   `yaml:"output" json:"output"`
	Policies []string `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// Rules configuration for rule management
type Rules struct {
	Enabled  []string               `yaml:"enabled" json:"enabled"`
	Disabled []string               `yaml:"disabled" json:"disabled"`
	Ignore   map[string]RuleIgnores `yaml:"ignore,omitempty" json:"ignore,omitempty"` // Per-rule ignores, "*" for all rules
}

// RuleIgnores suppresses findings of a rule by location
type RuleIgnores struct {
	Repos []string `yaml:"repos,omitempty" json:"repos,omitempty"` // owner/name globs
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"` // action subpath globs
}

// Scan configuration for graph traversal and fetching
type Scan struct {
	Recurse       bool          `yaml:"recurse" json:"recurse"`
	MaxDepth      int           `yaml:"max_depth" json:"max_depth"`
	Parallelism   int           `yaml:"parallelism" json:"parallelism"`
	MaxRepoSizeKB int64         `yaml:"max_repo_size_kb" json:"max_repo_size_kb"`
	StuckTimeout  time.Duration `yaml:"stuck_timeout" json:"stuck_timeout"`                   // log fetches running longer
	FetchTimeout  time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`                   // abandon fetches running longer
	RepoTimeout   time.Duration `yaml:"repo_timeout,omitempty" json:"repo_timeout,omitempty"` // per repository, zero for none
}

// Output configuration
type Output struct {
	Format string `yaml:"format" json:"format"` // "text", "json", "sarif"
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Rules: Rules{
			Enabled:  []string{}, // Empty means all enabled
			Disabled: []string{},
			Ignore:   make(map[string]RuleIgnores),
		},
		Scan: Scan{
			MaxDepth:      constants.DefaultMaxDepth,
			Parallelism:   constants.DefaultParallelism,
			MaxRepoSizeKB: constants.DefaultMaxRepoSizeKB,
			StuckTimeout:  constants.DefaultStuckTimeout,
			FetchTimeout:  constants.DefaultFetchTimeout,
		},
		Output: Output{
			Format: constants.DefaultOutputFormat,
		},
	}
}

// LoadConfig loads configuration from file or returns default
func LoadConfig(configPath string) (*Config, error) {
	// If no config path specified, try to find one
	if configPath == "" {
		configPath = findConfigFile()
	}

	// If still no config file, return default
	if configPath == "" {
		return DefaultConfig(), nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.NewConfigError(fmt.Sprintf("failed to open config file %s", configPath), err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("failed to read config file %s", configPath), err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, errors.NewConfigError(
			fmt.Sprintf("failed to parse config file %s", configPath),
			err,
			"Check the YAML syntax of the configuration file",
		)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// findConfigFile searches for configuration files in common locations
func findConfigFile() string {
	// Search order: current dir, home dir
	candidates := []string{
		constants.ConfigFileYML,
		constants.ConfigFileYAML,
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		for _, candidate := range candidates {
			fullPath := filepath.Join(homeDir, candidate)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath
			}
		}
	}

	return ""
}

// validateConfig validates the configuration structure and fills in
// defaults for zero values
func validateConfig(config *Config) error {
	if config.Version == "" {
		config.Version = "1"
	}

	if config.Output.Format == "" {
		config.Output.Format = constants.DefaultOutputFormat
	}
	if !isSupportedFormat(config.Output.Format) {
		return errors.ErrInvalidOutputFormat(config.Output.Format, constants.SupportedOutputFormats)
	}

	if config.Scan.MaxDepth < 0 {
		return errors.NewValidationError("max_depth must not be negative", "scan.max_depth", config.Scan.MaxDepth)
	}
	if config.Scan.Parallelism <= 0 {
		config.Scan.Parallelism = constants.DefaultParallelism
	}
	if config.Scan.MaxRepoSizeKB <= 0 {
		config.Scan.MaxRepoSizeKB = constants.DefaultMaxRepoSizeKB
	}
	for _, d := range []struct {
		field string
		value *time.Duration
		def   time.Duration
	}{
		{"scan.stuck_timeout", &config.Scan.StuckTimeout, constants.DefaultStuckTimeout},
		{"scan.fetch_timeout", &config.Scan.FetchTimeout, constants.DefaultFetchTimeout},
		{"scan.repo_timeout", &config.Scan.RepoTimeout, 0},
	} {
		if *d.value < 0 {
			return errors.NewValidationError(d.field+" must not be negative", d.field, d.value.String())
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}

	for ruleID, ignores := range config.Rules.Ignore {
		for _, pattern := range append(append([]string{}, ignores.Repos...), ignores.Paths...) {
			if !doublestar.ValidatePattern(pattern) {
				return errors.NewValidationError(
					fmt.Sprintf("invalid ignore pattern for %s", ruleID),
					"rules.ignore",
					pattern,
					"Use doublestar glob syntax, e.g. '.github/workflows/test-*.yml' or 'my-org/*'",
				)
			}
		}
	}

	return nil
}

func isSupportedFormat(format string) bool {
	for _, f := range constants.SupportedOutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// IsRuleEnabled checks if a rule should be enabled
func (config *Config) IsRuleEnabled(ruleID string) bool {
	// If specific rules are enabled, only those are active
	if len(config.Rules.Enabled) > 0 {
		for _, enabled := range config.Rules.Enabled {
			if enabled == ruleID {
				return true
			}
		}
		return false
	}

	// If no specific enabled rules, check disabled list
	for _, disabled := range config.Rules.Disabled {
		if disabled == ruleID {
			return false
		}
	}

	return true
}

// ShouldIgnoreForRule checks if findings of a rule should be dropped for an
// action at subpath inside repo (owner/name, empty for unresolved actions)
func (config *Config) ShouldIgnoreForRule(ruleID, repo, subpath string) bool {
	for _, key := range []string{AllRules, ruleID} {
		ignores, ok := config.Rules.Ignore[key]
		if !ok {
			continue
		}
		if repo != "" {
			for _, pattern := range ignores.Repos {
				if matched, err := doublestar.Match(pattern, repo); err == nil && matched {
					return true
				}
			}
		}
		for _, pattern := range ignores.Paths {
			if matchGlobPattern(pattern, subpath) {
				return true
			}
		}
	}
	return false
}

func matchGlobPattern(pattern, path string) bool {
	if pattern == "" || path == "" {
		return false
	}

	normalizedPattern := filepath.ToSlash(pattern)
	matchers := []string{normalizedPattern}

	// Automatically add a glob that searches anywhere in the tree when the pattern isn't anchored
	if !strings.HasPrefix(normalizedPattern, "**/") &&
		!strings.HasPrefix(normalizedPattern, "./") &&
		!strings.HasPrefix(normalizedPattern, "/") {
		matchers = append(matchers, "**/"+normalizedPattern)
	}

	for _, candidate := range matchers {
		matched, err := doublestar.Match(strings.TrimPrefix(candidate, "./"), path)
		if err == nil && matched {
			return true
		}
	}

	return false
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
