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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// State is the lifecycle position of an Action
type State int

const (
	StateUnresolved State = iota
	StateResolved
	StateParseFailed
	StateScanned
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateParseFailed:
		return "parse_failed"
	case StateScanned:
		return "scanned"
	default:
		return "unresolved"
	}
}

// UsedBy records a call site of an action
type UsedBy struct {
	URL  string           `json:"url"`
	Job  string           `json:"job"`
	Step workflow.StepID  `json:"step"`
	With *confignode.Node `json:"with,omitempty"`
}

// Use is a uses directive found in an action's steps or jobs
type Use struct {
	Uses   string
	Step   *confignode.Node
	UsedBy UsedBy
}

// ScanOptions controls recursion into referenced actions
type ScanOptions struct {
	Recurse  bool
	MaxDepth int
}

// Visitor is called once for every action a scan reaches
type Visitor func(ctx context.Context, a *Action)

// Action is a workflow or action definition file. Actions of repositories
// that could not be resolved have a nil Repo and carry the raw reference in
// NoRepo; they have no content.
type Action struct {
	registry *Registry

	Repo    *Repository
	NoRepo  *UsesRef
	Subpath string

	cfgMu    sync.Mutex
	cfgDone  bool
	config   *confignode.Node
	parseErr error

	depsMu   sync.Mutex
	depsDone bool
	deps     []*Action

	mu      sync.Mutex
	scanned bool
	usedBy  []UsedBy
}

// URL returns the browsable location of the action file
func (a *Action) URL() string {
	if a.Repo != nil {
		return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", a.Repo.Owner, a.Repo.Name, a.Repo.Ref, a.Subpath)
	}
	if a.NoRepo != nil {
		return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", a.NoRepo.Org, a.NoRepo.Action, a.NoRepo.Ref, a.Subpath)
	}
	return a.Subpath
}

// Name returns owner/repo/subpath@ref, or the raw reference without a repository
func (a *Action) Name() string {
	if a.Repo == nil {
		if a.NoRepo != nil {
			return a.NoRepo.Uses
		}
		return a.Subpath
	}
	return fmt.Sprintf("%s/%s/%s@%s", a.Repo.Owner, a.Repo.Name, a.Subpath, a.Repo.Ref)
}

func (a *Action) String() string {
	return a.Name()
}

// Owner returns the organisation or user the action belongs to
func (a *Action) Owner() string {
	if a.Repo != nil {
		return a.Repo.Owner
	}
	if a.NoRepo != nil {
		return a.NoRepo.Org
	}
	return ""
}

// RepoName returns the repository the action lives in
func (a *Action) RepoName() string {
	if a.Repo != nil {
		return a.Repo.Name
	}
	if a.NoRepo != nil {
		return a.NoRepo.Action
	}
	return ""
}

// Content returns the raw text of the action file
func (a *Action) Content(ctx context.Context) (string, bool) {
	if a.Repo == nil {
		return "", false
	}
	if content, ok := a.Repo.File(ctx, a.Subpath); ok {
		return content, true
	}
	if strings.HasSuffix(a.Subpath, "action.yml") {
		return a.Repo.File(ctx, strings.TrimSuffix(a.Subpath, "yml")+"yaml")
	}
	return "", false
}

// Config returns the parsed action file. It returns nil when the file is
// missing or does not parse; the parse error is logged once.
func (a *Action) Config(ctx context.Context) *confignode.Node {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	if a.cfgDone {
		return a.config
	}

	content, ok := a.Content(ctx)
	if ctx.Err() != nil {
		return nil
	}
	a.cfgDone = true
	if !ok {
		return nil
	}

	cfg, err := confignode.Parse([]byte(content))
	if err != nil {
		a.parseErr = err
		a.registry.log.Error(fmt.Sprintf("Error parsing YAML content for %s", a.Name()), "err", err)
		return nil
	}
	a.config = cfg
	return a.config
}

// ParseError returns the error from parsing the action file, if any
func (a *Action) ParseError() error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.parseErr
}

// State reports where the action is in its lifecycle
func (a *Action) State() State {
	a.cfgMu.Lock()
	done, perr := a.cfgDone, a.parseErr
	a.cfgMu.Unlock()

	switch {
	case perr != nil:
		return StateParseFailed
	case a.Scanned():
		return StateScanned
	case done:
		return StateResolved
	}
	return StateUnresolved
}

// Scanned reports whether the action has been scanned
func (a *Action) Scanned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanned
}

// UsedBy returns the recorded call sites of the action
func (a *Action) UsedBy() []UsedBy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]UsedBy(nil), a.usedBy...)
}

func (a *Action) addUsedBy(u UsedBy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedBy = append(a.usedBy, u)
}

// Uses returns every uses directive of the action: step-level references
// of each job and composite run, and job-level reusable workflow calls.
func (a *Action) Uses(ctx context.Context) []Use {
	cfg := a.Config(ctx)
	if cfg == nil {
		return nil
	}

	var uses []Use
	for _, e := range cfg.Get("jobs").Entries() {
		if ref, ok := e.Value.Get("uses").Str(); ok && ref != "" {
			uses = append(uses, Use{
				Uses: ref,
				Step: e.Value,
				UsedBy: UsedBy{
					URL:  a.URL(),
					Job:  e.Key,
					Step: workflow.NoStep,
					With: e.Value.Get("with"),
				},
			})
		}
	}

	for _, s := range workflow.Steps(cfg) {
		ref, ok := s.Node.Get("uses").Str()
		if !ok || ref == "" {
			continue
		}
		uses = append(uses, Use{
			Uses: ref,
			Step: s.Node,
			UsedBy: UsedBy{
				URL:  a.URL(),
				Job:  s.Container.JobKey,
				Step: s.ID(),
				With: s.Node.Get("with"),
			},
		})
	}
	return uses
}

// Dependencies resolves every uses directive into an Action and records
// this action as a caller on each. Unfollowable references are skipped.
func (a *Action) Dependencies(ctx context.Context) []*Action {
	a.depsMu.Lock()
	defer a.depsMu.Unlock()

	if a.depsDone {
		return a.deps
	}
	a.depsDone = true

	for _, u := range a.Uses(ctx) {
		dep, err := a.registry.ActionFromUses(ctx, a.Repo, u.Uses)
		if err != nil || dep == nil {
			continue
		}
		dep.addUsedBy(u.UsedBy)
		a.deps = append(a.deps, dep)
	}
	return a.deps
}

// Scan visits the action and, when opts.Recurse is set, the actions it
// references up to opts.MaxDepth hops away. Each action is visited at most
// once per registry; actions of skipped repositories are never visited.
func (a *Action) Scan(ctx context.Context, visit Visitor, opts ScanOptions) {
	a.scan(ctx, visit, opts, opts.MaxDepth)
}

func (a *Action) scan(ctx context.Context, visit Visitor, opts ScanOptions, depth int) {
	if ctx.Err() != nil {
		return
	}
	if a.Repo != nil && a.Repo.Skip {
		a.registry.log.Debug(fmt.Sprintf("Skipping %s", a.Name()))
		return
	}

	// content must be in place before the action counts as scanned
	a.Config(ctx)

	a.mu.Lock()
	if a.scanned {
		a.mu.Unlock()
		a.registry.log.Debug(fmt.Sprintf("Already scanned %s. Skipping", a.Name()))
		return
	}
	a.scanned = true
	a.mu.Unlock()

	a.registry.log.Info(fmt.Sprintf("Scanning %s...", a.Name()))
	visit(ctx, a)

	if !opts.Recurse || depth <= 0 {
		return
	}
	for _, dep := range a.Dependencies(ctx) {
		dep.scan(ctx, visit, opts, depth-1)
	}
}
