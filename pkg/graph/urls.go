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

package graph

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/errors"
)

var (
	githubURLRe  = regexp.MustCompile(`https://github\.com/(?P<owner>[^/]+)/(?P<repo>[^/]+)(/commit/(?P<ref>[0-9a-z.-]+))?`)
	actionNameRe = regexp.MustCompile(`^(?P<org>[^/]*)/(?P<action>[^@/]*)(/(?P<subPath>[^@]*))?(@(?P<ref>.*))?`)
)

// IsGitHubURL reports whether url names a GitHub repository
func IsGitHubURL(url string) bool {
	return githubURLRe.MatchString(url)
}

// ParseGitHubURL extracts owner, repository and optional commit ref from a
// https://github.com/<owner>/<repo>[/commit/<ref>] URL
func ParseGitHubURL(url string) (owner, repo, ref string, err error) {
	m := githubURLRe.FindStringSubmatch(url)
	if m == nil {
		return "", "", "", errors.ErrInvalidGitHubURL(url)
	}
	owner = m[githubURLRe.SubexpIndex("owner")]
	repo = strings.TrimSuffix(m[githubURLRe.SubexpIndex("repo")], ".git")
	ref = m[githubURLRe.SubexpIndex("ref")]
	return owner, repo, ref, nil
}

// RepoURL builds the canonical repository URL, with a commit suffix when ref is set
func RepoURL(owner, repo, ref string) string {
	if ref == "" {
		return fmt.Sprintf("https://github.com/%s/%s", owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repo, ref)
}

// UsesRef is a parsed org/action[/subPath][@ref] reference
type UsesRef struct {
	Uses    string `json:"uses"`
	Org     string `json:"org"`
	Action  string `json:"action"`
	SubPath string `json:"subPath"`
	Ref     string `json:"ref"`
}

// ParseUses parses a remote uses reference. Relative and docker references
// are not handled here.
func ParseUses(uses string) (UsesRef, bool) {
	m := actionNameRe.FindStringSubmatch(uses)
	if m == nil {
		return UsesRef{}, false
	}
	ref := UsesRef{
		Uses:    uses,
		Org:     m[actionNameRe.SubexpIndex("org")],
		Action:  m[actionNameRe.SubexpIndex("action")],
		SubPath: m[actionNameRe.SubexpIndex("subPath")],
		Ref:     m[actionNameRe.SubexpIndex("ref")],
	}
	if ref.Org == "" || ref.Action == "" {
		return UsesRef{}, false
	}
	return ref, true
}

// ActionPath returns the file a reference points to: the subpath itself for
// reusable workflow files, otherwise the action.yml inside it.
func (u UsesRef) ActionPath() string {
	return actionFile(u.SubPath)
}

func actionFile(dir string) string {
	if isYAMLFile(dir) {
		return path.Clean(dir)
	}
	return path.Join(dir, "action.yml")
}

func isYAMLFile(p string) bool {
	return strings.HasSuffix(p, ".yml") || strings.HasSuffix(p, ".yaml")
}

// IsRelativeUses reports whether uses points into the calling repository
func IsRelativeUses(uses string) bool {
	return strings.HasPrefix(uses, ".")
}

// IsDockerUses reports whether uses references a container image
func IsDockerUses(uses string) bool {
	return strings.HasPrefix(uses, "docker://")
}
