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

package rules

import (
	"github.com/harekrishnarai/ghascan/pkg/graph"
	m "github.com/harekrishnarai/ghascan/pkg/matcher"
)

// UntrustedInput lists expression sources an external actor can control.
// Kept as separate patterns for readability.
var UntrustedInput = []string{
	// Workflows.
	`github\.event\.issue\.title`,
	`github\.event\.issue\.body`,
	`github\.event\.pull_request\.title`,
	`github\.event\.pull_request\.body`,
	`github\.event\.comment\.body`,
	`github\.event\.review\.body`,
	`github\.event\.pages\.[\w.-]*\.page_name`,
	`github\.event\.commits\.[\w.-]*\.message`,
	`github\.event\.head_commit\.message`,
	`github\.event\.head_commit\.author\.email`,
	`github\.event\.head_commit\.author\.name`,
	`github\.event\.commits\.[\w.-]*\.author\.email`,
	`github\.event\.commits\.[\w.-]*\.author\.name`,
	`github\.event\.pull_request\.head\.ref`,
	`github\.event\.pull_request\.head\.label`,
	`github\.event\.pull_request\.head\.repo\.default_branch`,
	`github\.event\.workflow_run\.head_branch`,
	`github\.event\.workflow_run\.head_commit\.message`,
	`github\.event\.workflow_run\.head_commit\.author\.email`,
	`github\.event\.workflow_run\.head_commit\.author\.name`,
	`github\.head_ref`,
	// Actions.
	`inputs\.[\w.-]*`,
}

// ArtifactDownloadActions are actions that fetch artifacts of other runs
var ArtifactDownloadActions = []string{
	"actions/download-artifact",
	"dawidd6/action-download-artifact",
	"aochmann/actions-download-artifact",
	"levonet/action-download-last-artifact",
	"ishworkh/docker-image-artifact-download",
	"ishworkh/container-image-artifact-download",
	"marcofaggian/action-download-multiple-artifacts",
}

// ArtifactDownloadAPI are github-script calls that fetch artifacts
var ArtifactDownloadAPI = []string{
	"downloadArtifact",
	"getArtifact",
}

// CWDCompromisableRules match steps that execute code from the working
// directory, which a checked out pull request controls
var CWDCompromisableRules = []*m.Rule{
	m.Map(
		m.F("uses", m.Re(`nick-invision/retry`)),
		m.F("with", m.Map(m.F("command", m.Re(`^make\s`)))),
	),

	m.Map(m.F("run", m.Re(`(?m)(?P<line>npm i(nstall)?.*)$`))),
	m.Map(m.F("run", m.Re(`(?m)(?P<line>make\s.*)$`))),
	m.Map(m.F("run", m.Re(`(?m)(?P<line>poetry install.*)$`))),
	m.Map(m.F("run", m.Re(`(?m)(?P<line>poetry run.*)$`))),

	m.Map(m.F("run", m.Re(`(?m)[&|;]\s*(?P<line>[.]/.*)$`))),
}

// SecretRules match with: and env: values that interpolate a secret
var SecretRules = graph.SecretRules

// interpolation matches ${{ ... }} expressions reading from src
func interpolation(src string) string {
	return `(?m)^(?P<line>.*\$\{\{[^}]*?(?P<src>` + src + `).*?}}.*)$`
}
