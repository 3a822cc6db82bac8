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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ghaerrors "github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/logging"
)

type fakeRepo struct {
	meta  RepoMetadata
	files map[string]string
}

// fakeGitHub serves metadata and files from memory and counts calls
type fakeGitHub struct {
	repos     map[string]fakeRepo
	metaCalls atomic.Int32
	fileCalls atomic.Int32
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{repos: make(map[string]fakeRepo)}
}

func (f *fakeGitHub) add(fullName string, sizeKB int64, files map[string]string) {
	f.repos[strings.ToLower(fullName)] = fakeRepo{
		meta:  RepoMetadata{DefaultBranch: "main", SizeKB: sizeKB},
		files: files,
	}
}

func (f *fakeGitHub) RepoMetadata(ctx context.Context, owner, name string) (*RepoMetadata, error) {
	f.metaCalls.Add(1)
	r, ok := f.repos[strings.ToLower(owner+"/"+name)]
	if !ok {
		return nil, fmt.Errorf("404 Not Found")
	}
	meta := r.meta
	return &meta, nil
}

func (f *fakeGitHub) RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error) {
	f.fileCalls.Add(1)
	r, ok := f.repos[strings.ToLower(owner+"/"+name)]
	if !ok {
		return nil, fmt.Errorf("404 Not Found")
	}
	return r.files, nil
}

func newTestRegistry(gh *fakeGitHub) *Registry {
	return NewRegistry(gh, gh, Config{Logger: logging.NewDiscardLogger()})
}

func collect() (Visitor, func() []string) {
	var mu sync.Mutex
	var names []string
	visit := func(ctx context.Context, a *Action) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, a.Name())
	}
	return visit, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := append([]string(nil), names...)
		sort.Strings(out)
		return out
	}
}

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		url       string
		owner     string
		repo      string
		ref       string
		expectErr bool
	}{
		{"https://github.com/octo/tools", "octo", "tools", "", false},
		{"https://github.com/octo/tools.git", "octo", "tools", "", false},
		{"https://github.com/octo/tools/commit/abc123", "octo", "tools", "abc123", false},
		{"https://gitlab.com/octo/tools", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo, ref, err := ParseGitHubURL(tt.url)
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if owner != tt.owner || repo != tt.repo || ref != tt.ref {
				t.Errorf("Got %s/%s@%s", owner, repo, ref)
			}
		})
	}
}

func TestParseUses(t *testing.T) {
	tests := []struct {
		uses string
		want UsesRef
		ok   bool
		path string
	}{
		{
			uses: "actions/checkout@v4",
			want: UsesRef{Uses: "actions/checkout@v4", Org: "actions", Action: "checkout", Ref: "v4"},
			ok:   true,
			path: "action.yml",
		},
		{
			uses: "octo/mono/tools/lint@main",
			want: UsesRef{Uses: "octo/mono/tools/lint@main", Org: "octo", Action: "mono", SubPath: "tools/lint", Ref: "main"},
			ok:   true,
			path: "tools/lint/action.yml",
		},
		{
			uses: "octo/repo/.github/workflows/ci.yml@v1",
			want: UsesRef{Uses: "octo/repo/.github/workflows/ci.yml@v1", Org: "octo", Action: "repo", SubPath: ".github/workflows/ci.yml", Ref: "v1"},
			ok:   true,
			path: ".github/workflows/ci.yml",
		},
		{uses: "checkout", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.uses, func(t *testing.T) {
			got, ok := ParseUses(tt.uses)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("ParseUses() = %+v, want %+v", got, tt.want)
			}
			if got.ActionPath() != tt.path {
				t.Errorf("ActionPath() = %s, want %s", got.ActionPath(), tt.path)
			}
		})
	}
}

func TestRepoIdentity(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/tools", 10, map[string]string{"action.yml": "name: tools"})
	reg := newTestRegistry(gh)
	ctx := context.Background()

	first, err := reg.RepoFromURL(ctx, "https://github.com/octo/tools")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := reg.Repo(ctx, "Octo", "Tools", "main")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first != second {
		t.Error("Expected default branch and explicit ref to share one repository")
	}
	if first.Ref != "main" || first.URL != "https://github.com/octo/tools" {
		t.Errorf("Unexpected repository %s (%s)", first, first.URL)
	}
	if got := gh.metaCalls.Load(); got != 1 {
		t.Errorf("Expected 1 metadata call, got %d", got)
	}

	if reg.ActionFromRepoFile(first, "action.yml") != reg.ActionFromRepoFile(first, "./action.yml") {
		t.Error("Expected one action per (repository, subpath)")
	}
}

func TestRepoConcurrentResolution(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/tools", 10, nil)
	reg := newTestRegistry(gh)

	const workers = 16
	repos := make([]*Repository, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo, err := reg.Repo(context.Background(), "octo", "tools", "v1")
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			repos[i] = repo
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if repos[i] != repos[0] {
			t.Fatal("Expected every caller to receive the same repository")
		}
	}
}

func TestRepoFailureCached(t *testing.T) {
	gh := newFakeGitHub()
	reg := newTestRegistry(gh)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := reg.Repo(ctx, "ghost", "missing", "")
		if !errors.Is(err, ghaerrors.ErrResolution) {
			t.Fatalf("Expected resolution error, got %v", err)
		}
	}
	if got := gh.metaCalls.Load(); got != 1 {
		t.Errorf("Expected failed lookup to be cached, got %d calls", got)
	}
}

func TestActionFromUses(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/app", 10, map[string]string{
		".github/workflows/ci.yml":         "on: push",
		".github/actions/build/action.yml": "name: build",
	})
	gh.add("octo/mono", 10, nil)
	reg := newTestRegistry(gh)
	ctx := context.Background()

	app, err := reg.Repo(ctx, "octo", "app", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	t.Run("relative", func(t *testing.T) {
		a, err := reg.ActionFromUses(ctx, app, "./.github/actions/build")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if a.Repo != app || a.Subpath != ".github/actions/build/action.yml" {
			t.Errorf("Unexpected action %s", a.Name())
		}
		if gh.metaCalls.Load() != 1 {
			t.Error("Expected relative reference to resolve without metadata lookup")
		}
	})

	t.Run("docker", func(t *testing.T) {
		_, err := reg.ActionFromUses(ctx, app, "docker://alpine:3")
		if !errors.Is(err, ghaerrors.ErrUnsupportedReference) {
			t.Errorf("Expected unsupported reference error, got %v", err)
		}
	})

	t.Run("remote with subpath", func(t *testing.T) {
		a, err := reg.ActionFromUses(ctx, app, "octo/mono/lint@v2")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if a.Name() != "octo/mono/lint/action.yml@v2" {
			t.Errorf("Name() = %s", a.Name())
		}
		if a.URL() != "https://github.com/octo/mono/blob/v2/lint/action.yml" {
			t.Errorf("URL() = %s", a.URL())
		}
	})

	t.Run("unresolvable repository", func(t *testing.T) {
		a, err := reg.ActionFromUses(ctx, app, "gone/action@v1")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if a.Repo != nil || a.NoRepo == nil || a.NoRepo.Org != "gone" {
			t.Fatalf("Expected repository-less action, got %+v", a)
		}
		if a.Name() != "gone/action@v1" {
			t.Errorf("Name() = %s", a.Name())
		}
		if a.Config(ctx) != nil {
			t.Error("Expected no content for repository-less action")
		}
		again, _ := reg.ActionFromUses(ctx, app, "gone/action@v1")
		if again != a {
			t.Error("Expected repository-less actions to be cached by reference")
		}
	})
}

func TestRepositoryActions(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/app", 10, map[string]string{
		".github/workflows/release.yml": "name: Release\non:\n  workflow_run:\n    workflows: [CI]\n",
		".github/workflows/ci.yml":      "name: CI\non: push\n",
		"action.yml":                    "name: app",
	})
	reg := newTestRegistry(gh)
	ctx := context.Background()

	repo, err := reg.Repo(ctx, "octo", "app", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	actions := repo.Actions(ctx)
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions, got %d", len(actions))
	}
	if actions[0].Subpath != ".github/workflows/ci.yml" {
		t.Errorf("Expected actions ordered by path, got %s first", actions[0].Subpath)
	}
	repo.Actions(ctx)
	repo.File(ctx, "action.yml")
	if got := gh.fileCalls.Load(); got != 1 {
		t.Errorf("Expected files to be fetched once, got %d", got)
	}

	triggered := actions[0].TriggeredWorkflows(ctx)
	if len(triggered) != 1 || triggered[0].Subpath != ".github/workflows/release.yml" {
		t.Errorf("Unexpected triggered workflows %v", triggered)
	}
}

func TestActionConfigFallbackAndParseFailure(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/yaml", 10, map[string]string{"action.yaml": "name: yaml"})
	gh.add("octo/broken", 10, map[string]string{"action.yml": "name: [unterminated"})
	reg := newTestRegistry(gh)
	ctx := context.Background()

	a, err := reg.ActionFromURL(ctx, "https://github.com/octo/yaml")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if name, _ := a.Config(ctx).Get("name").Str(); name != "yaml" {
		t.Errorf("Expected action.yaml fallback, got %q", name)
	}
	if a.State() != StateResolved {
		t.Errorf("State() = %s", a.State())
	}

	broken, err := reg.ActionFromURL(ctx, "https://github.com/octo/broken")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if broken.Config(ctx) != nil {
		t.Error("Expected nil config for unparsable action")
	}
	if !errors.Is(broken.ParseError(), ghaerrors.ErrParse) || broken.State() != StateParseFailed {
		t.Errorf("Expected parse failure, got %v (%s)", broken.ParseError(), broken.State())
	}
}

func chainFiles(next string) map[string]string {
	return map[string]string{
		"action.yml": fmt.Sprintf("name: step\nruns:\n  using: composite\n  steps:\n    - uses: %s\n", next),
	}
}

func TestScanCycle(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/a", 10, chainFiles("octo/b@main"))
	gh.add("octo/b", 10, chainFiles("octo/a@main"))
	reg := newTestRegistry(gh)
	ctx := context.Background()

	a, err := reg.ActionFromURL(ctx, "https://github.com/octo/a")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	visit, names := collect()
	a.Scan(ctx, visit, ScanOptions{Recurse: true, MaxDepth: 10})

	got := names()
	want := []string{"octo/a/action.yml@main", "octo/b/action.yml@main"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Visited %v, want %v", got, want)
	}

	b, _ := reg.ActionFromUses(ctx, nil, "octo/b@main")
	if !b.Scanned() || b.State() != StateScanned {
		t.Error("Expected dependency to be marked scanned")
	}
	if used := b.UsedBy(); len(used) != 1 || used[0].URL != a.URL() {
		t.Errorf("Unexpected used-by %+v", used)
	}
}

func TestScanDepth(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/a", 10, chainFiles("octo/b@main"))
	gh.add("octo/b", 10, chainFiles("octo/c@main"))
	gh.add("octo/c", 10, chainFiles("octo/d@main"))
	gh.add("octo/d", 10, map[string]string{"action.yml": "name: leaf"})

	tests := []struct {
		name string
		opts ScanOptions
		want int
	}{
		{"no recursion", ScanOptions{Recurse: false, MaxDepth: 5}, 1},
		{"depth zero", ScanOptions{Recurse: true, MaxDepth: 0}, 1},
		{"depth one", ScanOptions{Recurse: true, MaxDepth: 1}, 2},
		{"depth two", ScanOptions{Recurse: true, MaxDepth: 2}, 3},
		{"unbounded by chain", ScanOptions{Recurse: true, MaxDepth: 5}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(gh)
			ctx := context.Background()
			a, err := reg.ActionFromURL(ctx, "https://github.com/octo/a")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			visit, names := collect()
			a.Scan(ctx, visit, tt.opts)
			if got := len(names()); got != tt.want {
				t.Errorf("Visited %d actions, want %d: %v", got, tt.want, names())
			}
		})
	}
}

func TestScanSkipsOversizedRepository(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/huge", 2_000_000, map[string]string{"action.yml": "name: huge"})
	reg := newTestRegistry(gh)
	ctx := context.Background()

	repo, err := reg.Repo(ctx, "octo", "huge", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !repo.Skip {
		t.Fatal("Expected repository over the size ceiling to be skipped")
	}

	visit, names := collect()
	repo.Scan(ctx, visit, ScanOptions{})
	if len(names()) != 0 || gh.fileCalls.Load() != 0 {
		t.Error("Expected no content fetch and no visits for a skipped repository")
	}
}

// hangingGitHub never returns repository files. With honorCtx it gives up
// when its context is done, otherwise it waits for release.
type hangingGitHub struct {
	*fakeGitHub
	honorCtx bool
	release  chan struct{}
}

func (h *hangingGitHub) RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error) {
	if h.honorCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	<-h.release
	return nil, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFetchTimeouts(t *testing.T) {
	for _, honorCtx := range []bool{true, false} {
		t.Run(fmt.Sprintf("honor context %v", honorCtx), func(t *testing.T) {
			gh := &hangingGitHub{fakeGitHub: newFakeGitHub(), honorCtx: honorCtx, release: make(chan struct{})}
			defer close(gh.release)
			gh.add("octo/slow", 1, map[string]string{"action.yml": "name: slow"})

			var logs lockedBuffer
			reg := NewRegistry(gh, gh, Config{
				StuckTimeout: 10 * time.Millisecond,
				FetchTimeout: 100 * time.Millisecond,
				Logger:       slog.New(logging.NewHandler(&logs, slog.LevelDebug, false)),
			})
			ctx := context.Background()
			repo, err := reg.Repo(ctx, "octo", "slow", "")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			start := time.Now()
			visit, names := collect()
			repo.Scan(ctx, visit, ScanOptions{})
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Fatalf("Scan blocked for %s on an unresponsive source", elapsed)
			}
			if len(names()) != 0 {
				t.Errorf("Expected no visits without content, got %v", names())
			}
			out := logs.String()
			if !strings.Contains(out, "RepoFiles octo/slow") || !strings.Contains(out, "STUCK") || !strings.Contains(out, "abandoned") {
				t.Errorf("Expected stuck and abandoned warnings, got:\n%s", out)
			}
		})
	}
}

func TestScanVisitsRepositoryLessAction(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/a", 10, chainFiles("renamed/action@v1"))
	reg := newTestRegistry(gh)
	ctx := context.Background()

	a, _ := reg.ActionFromURL(ctx, "https://github.com/octo/a")
	visit, names := collect()
	a.Scan(ctx, visit, ScanOptions{Recurse: true, MaxDepth: 5})

	got := names()
	if len(got) != 2 || got[1] != "renamed/action@v1" {
		t.Errorf("Visited %v", got)
	}
}

func TestConcurrentScanVisitsOnce(t *testing.T) {
	gh := newFakeGitHub()
	gh.add("octo/shared", 10, map[string]string{"action.yml": "name: shared"})
	for i := 0; i < 8; i++ {
		gh.add(fmt.Sprintf("octo/caller%d", i), 10, chainFiles("octo/shared@main"))
	}
	reg := newTestRegistry(gh)
	ctx := context.Background()

	var visits atomic.Int32
	visit := func(ctx context.Context, a *Action) {
		if a.RepoName() == "shared" {
			visits.Add(1)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.ActionFromURL(ctx, fmt.Sprintf("https://github.com/octo/caller%d", i))
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			a.Scan(ctx, visit, ScanOptions{Recurse: true, MaxDepth: 5})
		}(i)
	}
	wg.Wait()

	if got := visits.Load(); got != 1 {
		t.Errorf("Expected shared action to be visited once, got %d", got)
	}
}
