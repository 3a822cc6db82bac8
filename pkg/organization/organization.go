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

package organization

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/harekrishnarai/ghascan/pkg/github"
	"github.com/harekrishnarai/ghascan/pkg/rules"
)

// Lister lists the repositories of an organisation
type Lister interface {
	ListOrgRepos(ctx context.Context, org string) ([]github.OrgRepo, error)
}

// RepositoryFilter selects which listed repositories are scanned
type RepositoryFilter struct {
	IncludeForks    bool
	IncludeArchived bool
	NameFilter      string // regular expression on the repository name
}

// RepositoryResult represents the scan result for a single repository
type RepositoryResult struct {
	Repository    github.OrgRepo `json:"repository"`
	RiskLevel     string         `json:"risk_level"`
	FindingsCount int            `json:"findings_count"`
	CriticalCount int            `json:"critical_count"`
	HighCount     int            `json:"high_count"`
	Score         float64        `json:"score"`
}

// TopFinding is a rule ranked by how many findings it produced
type TopFinding struct {
	RuleID       string `json:"rule_id"`
	Count        int    `json:"count"`
	Repositories int    `json:"repositories"`
}

// OrganizationSummary aggregates findings over an organisation
type OrganizationSummary struct {
	TotalFindings      int            `json:"total_findings"`
	FindingsBySeverity map[string]int `json:"findings_by_severity"`
	RepositoriesByRisk map[string]int `json:"repositories_by_risk"`
	TopFindings        []TopFinding   `json:"top_findings"`
}

// OrganizationResult represents the scan result for an entire organization
type OrganizationResult struct {
	Organization         string              `json:"organization"`
	ScanTime             time.Time           `json:"scan_time"`
	Duration             time.Duration       `json:"duration"`
	TotalRepositories    int                 `json:"total_repositories"`
	AnalyzedRepositories int                 `json:"analyzed_repositories"`
	SkippedRepositories  int                 `json:"skipped_repositories"`
	RepositoryResults    []RepositoryResult  `json:"repository_results"`
	Summary              OrganizationSummary `json:"summary"`
}

// DiscoverRepositories lists org and keeps the repositories matching filter.
// The second return value counts the filtered out repositories.
func DiscoverRepositories(ctx context.Context, lister Lister, org string, filter RepositoryFilter) ([]github.OrgRepo, int, error) {
	repos, err := lister.ListOrgRepos(ctx, org)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to discover repositories: %w", err)
	}

	var kept []github.OrgRepo
	for _, repo := range repos {
		if ApplyRepositoryFilter(repo, filter) {
			kept = append(kept, repo)
		}
	}
	return kept, len(repos) - len(kept), nil
}

// ApplyRepositoryFilter checks if a repository matches the filter criteria
func ApplyRepositoryFilter(repo github.OrgRepo, filter RepositoryFilter) bool {
	if repo.Fork && !filter.IncludeForks {
		return false
	}
	if repo.Archived && !filter.IncludeArchived {
		return false
	}

	// Apply name filter if specified
	if filter.NameFilter != "" {
		matched, err := regexp.MatchString(filter.NameFilter, repo.Name)
		if err != nil || !matched {
			return false
		}
	}

	return true
}

// Summarize attributes findings to the scanned repositories of org. Findings
// in actions from other repositories only count towards the totals.
func Summarize(org string, repos []github.OrgRepo, skipped int, findings []*rules.Finding, start time.Time) *OrganizationResult {
	summary := OrganizationSummary{
		FindingsBySeverity: make(map[string]int),
		RepositoriesByRisk: make(map[string]int),
	}

	results := make(map[string]*RepositoryResult, len(repos))
	ordered := make([]RepositoryResult, len(repos))
	for i, repo := range repos {
		ordered[i] = RepositoryResult{Repository: repo}
		results[repo.Name] = &ordered[i]
	}

	ruleCounts := make(map[string]int)
	ruleRepos := make(map[string]map[string]bool)
	for _, f := range findings {
		summary.TotalFindings++
		summary.FindingsBySeverity[string(f.Rule.Severity)]++
		ruleCounts[f.Rule.ID]++
		if ruleRepos[f.Rule.ID] == nil {
			ruleRepos[f.Rule.ID] = make(map[string]bool)
		}
		ruleRepos[f.Rule.ID][f.Action.Owner()+"/"+f.Action.RepoName()] = true

		if f.Action.Owner() != org {
			continue
		}
		result, ok := results[f.Action.RepoName()]
		if !ok {
			continue
		}
		result.FindingsCount++
		switch f.Rule.Severity {
		case rules.Critical:
			result.CriticalCount++
		case rules.High:
			result.HighCount++
		}
	}

	for i := range ordered {
		r := &ordered[i]
		r.RiskLevel = calculateRepositoryRiskLevel(r.FindingsCount, r.CriticalCount, r.HighCount)
		r.Score = calculateRiskScore(r.FindingsCount, r.CriticalCount, r.HighCount)
		summary.RepositoriesByRisk[r.RiskLevel]++
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	for id, count := range ruleCounts {
		summary.TopFindings = append(summary.TopFindings, TopFinding{RuleID: id, Count: count, Repositories: len(ruleRepos[id])})
	}
	sort.Slice(summary.TopFindings, func(i, j int) bool {
		a, b := summary.TopFindings[i], summary.TopFindings[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.RuleID < b.RuleID
	})

	return &OrganizationResult{
		Organization:         org,
		ScanTime:             start,
		Duration:             time.Since(start),
		TotalRepositories:    len(repos) + skipped,
		AnalyzedRepositories: len(repos),
		SkippedRepositories:  skipped,
		RepositoryResults:    ordered,
		Summary:              summary,
	}
}

// calculateRepositoryRiskLevel determines the risk level for a repository
func calculateRepositoryRiskLevel(totalFindings, criticalCount, highCount int) string {
	if criticalCount > 0 {
		return "CRITICAL"
	}
	if highCount > 2 {
		return "HIGH"
	}
	if totalFindings > 5 {
		return "MEDIUM"
	}
	if totalFindings > 0 {
		return "LOW"
	}
	return "CLEAN"
}

// calculateRiskScore computes a numerical risk score (0-100)
func calculateRiskScore(totalFindings, criticalCount, highCount int) float64 {
	score := float64(totalFindings)
	score += float64(criticalCount * 10) // Critical findings are worth 10 points each
	score += float64(highCount * 5)      // High findings are worth 5 points each

	// Cap at 100
	if score > 100 {
		score = 100
	}

	return score
}
