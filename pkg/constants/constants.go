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

package constants

import (
	"os"
	"time"
)

// Application constants
const (
	// Version information
	AppName    = "ghascan"
	AppVersion = "0.1.0"
	AppUsage   = "Github Actions Scanner"

	// Default configuration values
	DefaultOutputFormat     = "text"
	DefaultConfigFile       = ".ghascan.yml"
	DefaultEnvFile          = ".env"
	DefaultActionsYAML      = "./github-action-repos.yml"
	DefaultMaxDepth         = 5
	DefaultParallelism      = 4
	DefaultMaxRepoSizeKB    = 1_000_000           // repositories above this are skipped
	DefaultMaxArchiveBytes  = 1024 * 1024 * 1024  // 1GB
	DefaultStuckTimeout     = 30 * time.Second
	DefaultFetchTimeout     = 5 * time.Minute // a fetch still running after this is abandoned
	DefaultDocumentationURL = "https://github.com/harekrishnarai/ghascan#"

	// Supported output formats
	OutputFormatText  = "text"
	OutputFormatJSON  = "json"
	OutputFormatSARIF = "sarif"

	// Configuration file names
	ConfigFileYML  = ".ghascan.yml"
	ConfigFileYAML = ".ghascan.yaml"

	// Environment variables
	EnvGitHubToken   = "GITHUB_TOKEN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"

	// GitHub locations
	GitHubHost    = "https://github.com"
	ActionFile    = "action.yml"
	WorkflowsPath = ".github/workflows"
)

// Default permissions granted to a job that declares none.
var DefaultPermissions = [][2]string{
	{"contents", "read"},
	{"packages", "read"},
	{"metadata", "read"},
}

// Supported output formats list
var SupportedOutputFormats = []string{
	OutputFormatText,
	OutputFormatJSON,
	OutputFormatSARIF,
}

// IsRunningInCI reports whether the process runs inside a CI system
func IsRunningInCI() bool {
	for _, env := range []string{
		EnvCI, EnvGitHubActions, "TRAVIS", "CIRCLECI", "JENKINS_URL",
		"GITLAB_CI", "BUILDKITE", "TF_BUILD",
	} {
		if v := os.Getenv(env); v != "" && v != "false" {
			return true
		}
	}
	return false
}

// IsRunningInGitHubActions reports whether the process runs as a GitHub Actions step
func IsRunningInGitHubActions() bool {
	return os.Getenv(EnvGitHubActions) == "true"
}
