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

// Package graph models repositories and the actions they contain or
// reference. A Registry resolves references into identity-stable nodes: every
// (owner, name, ref) maps to one Repository and every (repository, subpath)
// to one Action for the lifetime of the registry.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
)

// RepoMetadata is what the metadata provider reports about a repository
type RepoMetadata struct {
	DefaultBranch string
	SizeKB        int64
	HTMLURL       string
	Archived      bool
	Fork          bool
}

// MetadataProvider looks up repository metadata
type MetadataProvider interface {
	RepoMetadata(ctx context.Context, owner, name string) (*RepoMetadata, error)
}

// ContentProvider returns the action and workflow files of a repository at
// ref, keyed by path relative to the repository root
type ContentProvider interface {
	RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error)
}

// Config controls resolution limits
type Config struct {
	// Repositories larger than this are marked Skip
	MaxRepoSizeKB int64
	// A fetch running longer than this logs a warning and keeps going
	StuckTimeout time.Duration
	// A fetch running longer than this is abandoned
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultConfig returns the default resolution limits
func DefaultConfig() Config {
	return Config{
		MaxRepoSizeKB: constants.DefaultMaxRepoSizeKB,
		StuckTimeout:  constants.DefaultStuckTimeout,
		FetchTimeout:  constants.DefaultFetchTimeout,
	}
}

type repoKey struct {
	owner, name, ref string
}

func newRepoKey(owner, name, ref string) repoKey {
	return repoKey{strings.ToLower(owner), strings.ToLower(name), ref}
}

func (k repoKey) String() string {
	return k.owner + "/" + k.name + "@" + k.ref
}

type actionKey struct {
	repo    *Repository
	subpath string
}

// Registry owns the repository and action caches
type Registry struct {
	meta    MetadataProvider
	content ContentProvider
	cfg     Config
	log     *slog.Logger

	mu      sync.Mutex
	repos   map[repoKey]*Repository
	failed  map[repoKey]error
	actions map[actionKey]*Action
	norepo  map[string]*Action
	group   singleflight.Group
}

// NewRegistry creates an empty registry
func NewRegistry(meta MetadataProvider, content ContentProvider, cfg Config) *Registry {
	if cfg.MaxRepoSizeKB <= 0 {
		cfg.MaxRepoSizeKB = constants.DefaultMaxRepoSizeKB
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = constants.DefaultStuckTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = constants.DefaultFetchTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		meta:    meta,
		content: content,
		cfg:     cfg,
		log:     log,
		repos:   make(map[repoKey]*Repository),
		failed:  make(map[repoKey]error),
		actions: make(map[actionKey]*Action),
		norepo:  make(map[string]*Action),
	}
}

// Repo returns the repository for (owner, name, ref), resolving metadata on
// first use. An empty ref resolves to the default branch. Concurrent callers
// asking for the same key share one lookup and receive the same instance.
func (r *Registry) Repo(ctx context.Context, owner, name, ref string) (*Repository, error) {
	key := newRepoKey(owner, name, ref)
	if repo, ok, err := r.cachedRepo(key); ok {
		return repo, err
	}

	v, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		if repo, ok, err := r.cachedRepo(key); ok {
			return repo, err
		}

		repo, err := r.resolveRepo(ctx, owner, name, ref)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				r.failed[key] = err
			}
			return nil, err
		}

		resolved := newRepoKey(owner, name, repo.Ref)
		if existing, ok := r.repos[resolved]; ok {
			r.repos[key] = existing
			return existing, nil
		}
		r.repos[resolved] = repo
		r.repos[key] = repo
		return repo, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Repository), nil
}

// RepoFromURL resolves a https://github.com/<owner>/<repo>[/commit/<ref>] URL
func (r *Registry) RepoFromURL(ctx context.Context, url string) (*Repository, error) {
	owner, name, ref, err := ParseGitHubURL(url)
	if err != nil {
		return nil, err
	}
	return r.Repo(ctx, owner, name, ref)
}

func (r *Registry) cachedRepo(key repoKey) (*Repository, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[key]; ok {
		r.log.Debug("RepoCache HIT", "repo", key.String())
		return repo, true, nil
	}
	if err, ok := r.failed[key]; ok {
		return nil, true, err
	}
	return nil, false, nil
}

func (r *Registry) resolveRepo(ctx context.Context, owner, name, ref string) (*Repository, error) {
	url := RepoURL(owner, name, ref)
	meta, err := fetch(ctx, r, "RepoMetadata "+url, func(ctx context.Context) (*RepoMetadata, error) {
		return r.meta.RepoMetadata(ctx, owner, name)
	})
	if err != nil {
		r.log.Warn(fmt.Sprintf("Failed to get repo details for %s", url), "err", err)
		return nil, errors.NewResolutionError("failed to get repository details", err, owner+"/"+name)
	}

	repo := &Repository{
		registry:      r,
		URL:           url,
		Owner:         owner,
		Name:          name,
		Ref:           ref,
		DefaultBranch: meta.DefaultBranch,
		SizeKB:        meta.SizeKB,
	}
	if repo.Ref == "" {
		repo.Ref = meta.DefaultBranch
	}
	if meta.SizeKB > r.cfg.MaxRepoSizeKB {
		repo.Skip = true
		r.log.Info(fmt.Sprintf("%s size = %d KB > %d KB, skipping.", url, meta.SizeKB, r.cfg.MaxRepoSizeKB))
	}
	return repo, nil
}

// ActionFromRepoFile returns the action for file inside repo
func (r *Registry) ActionFromRepoFile(repo *Repository, file string) *Action {
	key := actionKey{repo: repo, subpath: path.Clean(file)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actions[key]; ok {
		r.log.Debug("ActionCache HIT", "action", a.Name())
		return a
	}
	a := &Action{registry: r, Repo: repo, Subpath: key.subpath}
	r.actions[key] = a
	return a
}

// ActionFromURL resolves a repository URL to the action.yml at its root
func (r *Registry) ActionFromURL(ctx context.Context, url string) (*Action, error) {
	repo, err := r.RepoFromURL(ctx, url)
	if err != nil {
		return nil, err
	}
	return r.ActionFromRepoFile(repo, constants.ActionFile), nil
}

// ActionFromUses resolves a step's uses reference made from within repo.
//
// "./dir" resolves to dir/action.yml in repo without network access.
// "docker://" references are not followed and return an
// UnsupportedReference error. "org/action[/sub][@ref]" resolves the target
// repository; when it cannot be resolved the returned action carries the raw
// reference in NoRepo and has no content.
func (r *Registry) ActionFromUses(ctx context.Context, repo *Repository, uses string) (*Action, error) {
	switch {
	case IsRelativeUses(uses):
		if repo == nil {
			return r.noRepoAction(UsesRef{Uses: uses, SubPath: uses}, actionFile(uses)), nil
		}
		return r.ActionFromRepoFile(repo, actionFile(uses)), nil

	case IsDockerUses(uses):
		r.log.Warn("uses: docker:// detected but not supported", "uses", uses)
		return nil, errors.NewUnsupportedReferenceError(uses)
	}

	ref, ok := ParseUses(uses)
	if !ok {
		r.log.Warn("Unrecognised uses reference", "uses", uses)
		return nil, errors.NewUnsupportedReferenceError(uses)
	}

	target, err := r.Repo(ctx, ref.Org, ref.Action, ref.Ref)
	if err != nil {
		return r.noRepoAction(ref, ref.ActionPath()), nil
	}
	return r.ActionFromRepoFile(target, ref.ActionPath()), nil
}

func (r *Registry) noRepoAction(ref UsesRef, subpath string) *Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.norepo[ref.Uses]; ok {
		return a
	}
	a := &Action{registry: r, NoRepo: &ref, Subpath: subpath}
	r.norepo[ref.Uses] = a
	return a
}

// Repos returns every resolved repository, ordered by identity
func (r *Registry) Repos() []*Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Repository]bool)
	var out []*Repository
	for _, repo := range r.repos {
		if !seen[repo] {
			seen[repo] = true
			out = append(out, repo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newRepoKey(out[i].Owner, out[i].Name, out[i].Ref).String() <
			newRepoKey(out[j].Owner, out[j].Name, out[j].Ref).String()
	})
	return out
}

// fetch runs fn, logging a warning if it is still running after the stuck
// timeout and abandoning it after the fetch timeout. An abandoned fn that
// ignores its context is left to finish in the background.
func fetch[T any](ctx context.Context, r *Registry, what string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	timer := time.AfterFunc(r.cfg.StuckTimeout, func() {
		r.log.Warn(what+" STUCK", "after", r.cfg.StuckTimeout)
	})
	defer timer.Stop()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		r.log.Warn(what+" abandoned", "after", r.cfg.FetchTimeout, "err", ctx.Err())
		return zero, ctx.Err()
	}
}
