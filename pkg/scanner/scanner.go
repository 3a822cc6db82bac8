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

package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harekrishnarai/ghascan/pkg/concurrent"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/github"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/organization"
	"github.com/harekrishnarai/ghascan/pkg/rules"
	"gopkg.in/yaml.v3"
)

// Options controls how far and how wide a scan goes
type Options struct {
	Recurse      bool
	MaxDepth     int
	Parallelism  int
	// Bounds each repository of ScanOrg and each action of ScanActions
	RepoTimeout  time.Duration
	ShowProgress bool
	Logger       *slog.Logger
}

// Scanner runs a rule set over the actions reachable from a scan root and
// collects the findings
type Scanner struct {
	registry *graph.Registry
	rules    []*rules.Rule
	engine   *rules.RuleEngine
	opts     Options
	log      *slog.Logger

	scanned atomic.Int64

	mu       sync.Mutex
	findings []*rules.Finding
}

// New creates a scanner. engine may be nil to run every rule unfiltered.
func New(registry *graph.Registry, ruleSet []*rules.Rule, engine *rules.RuleEngine, opts Options) *Scanner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if engine == nil {
		engine = rules.NewRuleEngine(nil, log)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = constants.DefaultParallelism
	}
	s := &Scanner{
		registry: registry,
		rules:    ruleSet,
		engine:   engine,
		opts:     opts,
		log:      log,
	}
	ids := make([]string, len(ruleSet))
	for i, r := range ruleSet {
		ids[i] = r.ID
	}
	log.Debug(fmt.Sprintf("The following rules are enabled: %s", strings.Join(ids, ",")))
	return s
}

// Rules returns the selected rules
func (s *Scanner) Rules() []*rules.Rule {
	return s.rules
}

// Scanned returns how many actions have been scanned
func (s *Scanner) Scanned() int64 {
	return s.scanned.Load()
}

// Findings returns everything found so far, in discovery order
func (s *Scanner) Findings() []*rules.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rules.Finding(nil), s.findings...)
}

func (s *Scanner) scanOptions() graph.ScanOptions {
	return graph.ScanOptions{Recurse: s.opts.Recurse, MaxDepth: s.opts.MaxDepth}
}

// ScanAction runs every selected rule against one action. It is the
// visitor handed to the graph traversal.
func (s *Scanner) ScanAction(ctx context.Context, action *graph.Action) []*rules.Finding {
	s.scanned.Add(1)
	findings := s.engine.ExecuteRules(ctx, action, s.rules)

	s.mu.Lock()
	s.findings = append(s.findings, findings...)
	s.mu.Unlock()
	return findings
}

func (s *Scanner) visit(ctx context.Context, action *graph.Action) {
	s.ScanAction(ctx, action)
}

// ScanRepo scans every workflow and action file of the repository at url
func (s *Scanner) ScanRepo(ctx context.Context, url string) error {
	repo, err := s.registry.RepoFromURL(ctx, url)
	if err != nil {
		return err
	}
	repo.Scan(ctx, s.visit, s.scanOptions())
	return ctx.Err()
}

// ScanOrg scans the public, non-archived, non-fork repositories of org,
// several repositories at a time
func (s *Scanner) ScanOrg(ctx context.Context, lister organization.Lister, org string) (*organization.OrganizationResult, error) {
	start := time.Now()
	repos, skipped, err := organization.DiscoverRepositories(ctx, lister, org, organization.RepositoryFilter{})
	if err != nil {
		s.log.Warn(fmt.Sprintf("Failed to list repos for org - %s", org), "err", err)
		return nil, errors.NewResolutionError("failed to list organisation repositories", err, org)
	}
	s.log.Info(fmt.Sprintf("Got %d repos in %s to analyze.", len(repos), org))

	p := concurrent.NewProcessor(&concurrent.ProcessorConfig{
		MaxWorkers:   s.opts.Parallelism,
		ItemTimeout:  s.opts.RepoTimeout,
		ShowProgress: s.opts.ShowProgress,
		Logger:       s.log,
	})
	err = concurrent.Each(ctx, p, repos,
		func(r github.OrgRepo) string { return org + "/" + r.Name },
		func(ctx context.Context, r github.OrgRepo) error {
			return s.ScanRepo(ctx, r.HTMLURL)
		})
	if err != nil {
		return nil, err
	}

	return organization.Summarize(org, repos, skipped, s.Findings(), start), nil
}

// ScanActions scans the action.yml at the root of each repository URL
func (s *Scanner) ScanActions(ctx context.Context, urls []string) error {
	var actions []*graph.Action
	for _, url := range urls {
		action, err := s.registry.ActionFromURL(ctx, url)
		if err != nil {
			s.log.Warn(fmt.Sprintf("Skipping %s", url), "err", err)
			continue
		}
		actions = append(actions, action)
	}

	p := concurrent.NewProcessor(&concurrent.ProcessorConfig{
		MaxWorkers:   s.opts.Parallelism,
		ItemTimeout:  s.opts.RepoTimeout,
		ShowProgress: s.opts.ShowProgress,
		Logger:       s.log,
	})
	return concurrent.Each(ctx, p, actions,
		func(a *graph.Action) string { return a.Name() },
		func(ctx context.Context, a *graph.Action) error {
			a.Scan(ctx, s.visit, s.scanOptions())
			return nil
		})
}

// actionsFile is the document listing standalone actions to scan
type actionsFile struct {
	Repos []string `yaml:"repos"`
}

// LoadActionsList reads the repository URLs of an actions YAML file
func LoadActionsList(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("Error parsing %s", path), err)
	}
	var doc actionsFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("Error parsing %s", path), err,
			"The file must contain a 'repos' list of GitHub repository URLs")
	}
	return doc.Repos, nil
}
