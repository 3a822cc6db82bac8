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
	"sort"
	"sync"
)

// Repository is a GitHub repository at a resolved ref
type Repository struct {
	registry *Registry

	// URL the repository was resolved from
	URL           string
	Owner         string
	Name          string
	Ref           string
	DefaultBranch string
	SizeKB        int64
	// Skip is set for repositories over the size ceiling. Their content is
	// never fetched and their actions are never scanned.
	Skip bool

	filesMu sync.Mutex
	loaded  bool
	files   map[string]string

	actionsMu sync.Mutex
	actions   []*Action
	listed    bool
}

// FullName returns owner/name
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r *Repository) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Owner, r.Name, r.Ref)
}

// Files returns the repository's action and workflow files, fetching them on
// first use. Failures are logged and yield no files.
func (r *Repository) Files(ctx context.Context) map[string]string {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	if r.loaded {
		return r.files
	}
	r.loaded = true
	if r.Skip {
		return nil
	}

	reg := r.registry
	files, err := fetch(ctx, reg, "RepoFiles "+r.String(), func(ctx context.Context) (map[string]string, error) {
		return reg.content.RepoFiles(ctx, r.Owner, r.Name, r.Ref)
	})
	if err != nil {
		reg.log.Warn(fmt.Sprintf("Failed to get tarball for %s", r.FullName()), "err", err)
		return nil
	}
	r.files = files
	return r.files
}

// File returns the content of path and whether it exists
func (r *Repository) File(ctx context.Context, path string) (string, bool) {
	content, ok := r.Files(ctx)[path]
	return content, ok
}

// Actions returns one Action per action or workflow file, ordered by path
func (r *Repository) Actions(ctx context.Context) []*Action {
	r.actionsMu.Lock()
	defer r.actionsMu.Unlock()

	if r.listed {
		return r.actions
	}
	r.listed = true

	files := r.Files(ctx)
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		r.actions = append(r.actions, r.registry.ActionFromRepoFile(r, p))
	}
	return r.actions
}

// Scan scans every action of the repository
func (r *Repository) Scan(ctx context.Context, visit Visitor, opts ScanOptions) {
	actions := r.Actions(ctx)
	if len(actions) > 0 {
		r.registry.log.Info(fmt.Sprintf("Got %d actions for %s...", len(actions), r.FullName()))
	}
	for _, a := range actions {
		if ctx.Err() != nil {
			return
		}
		a.Scan(ctx, visit, opts)
	}
}

// TriggeredBy returns the workflows of the repository that run on completion
// of the workflow called name
func (r *Repository) TriggeredBy(ctx context.Context, name string) []*Action {
	if name == "" {
		return nil
	}
	var triggered []*Action
	for _, a := range r.Actions(ctx) {
		if a.Config(ctx).Path("on", "workflow_run", "workflows").Contains(name) {
			triggered = append(triggered, a)
		}
	}
	return triggered
}
