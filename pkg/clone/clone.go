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

// Package clone copies a public repository into a private repository of the
// authenticated user, so its workflows can be exercised without touching the
// original.
package clone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/graph"
)

// TempDirPrefix names the working copies under the system temp directory
const TempDirPrefix = "gha-scanner-"

// Runner executes git with the given arguments
type Runner interface {
	Run(ctx context.Context, args ...string) error
}

// ExecRunner runs the git binary. With Output set the command output is
// streamed there, otherwise it is captured and attached to errors with
// every Redact string masked.
type ExecRunner struct {
	Output io.Writer
	Redact []string
}

// Run executes git
func (r ExecRunner) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if r.Output != nil {
		cmd.Stdout = r.Output
		cmd.Stderr = r.Output
		return cmd.Run()
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		for _, s := range r.Redact {
			if s != "" {
				out = strings.ReplaceAll(out, s, "***")
			}
		}
		return fmt.Errorf("%w, output: %s", err, out)
	}
	return nil
}

// Git is a working copy in a fresh temporary directory
type Git struct {
	Dir    string
	runner Runner
}

// NewGit creates the temporary directory the working copy lives in
func NewGit(runner Runner) (*Git, error) {
	dir, err := os.MkdirTemp("", TempDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &Git{Dir: dir, runner: runner}, nil
}

// Clone clones repo into the working directory
func (g *Git) Clone(ctx context.Context, repo string) error {
	if err := g.runner.Run(ctx, "clone", repo, g.Dir); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// SetOrigin points the origin remote at origin
func (g *Git) SetOrigin(ctx context.Context, origin string) error {
	if err := g.runner.Run(ctx, "-C", g.Dir, "remote", "set-url", "origin", origin); err != nil {
		return fmt.Errorf("git remote set-url failed: %w", err)
	}
	return nil
}

// Push pushes every branch to origin
func (g *Git) Push(ctx context.Context) error {
	if err := g.runner.Run(ctx, "-C", g.Dir, "push", "--all", "origin"); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// Cleanup removes the working directory
func (g *Git) Cleanup() error {
	return os.RemoveAll(g.Dir)
}

// GitHub is the API surface the cloner needs
type GitHub interface {
	AuthenticatedUser(ctx context.Context) (string, error)
	CreatePrivateRepo(ctx context.Context, name, description string) error
}

// Cloner copies SourceOwner/SourceRepo to a private repository of the same
// name owned by the token's user
type Cloner struct {
	SourceOwner string
	SourceRepo  string
	Username    string

	gh     GitHub
	token  string
	runner Runner
	log    *slog.Logger
}

// New validates the source URL. A token is required since the destination
// repository is created and pushed with it.
func New(repoURL string, gh GitHub, token string, runner Runner, log *slog.Logger) (*Cloner, error) {
	owner, repo, _, err := graph.ParseGitHubURL(repoURL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errors.ErrMissingToken()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cloner{
		SourceOwner: owner,
		SourceRepo:  repo,
		gh:          gh,
		token:       token,
		runner:      runner,
		log:         log,
	}, nil
}

// Run creates the destination repository and pushes every branch of the
// source into it. It returns the destination URL.
func (c *Cloner) Run(ctx context.Context) (string, error) {
	login, err := c.gh.AuthenticatedUser(ctx)
	if err != nil {
		return "", errors.NewConfigError("failed to identify the token's user", err,
			"Check that GITHUB_TOKEN is valid")
	}
	c.Username = login
	c.log.Info(fmt.Sprintf("Cloning %s/%s to %s/%s", c.SourceOwner, c.SourceRepo, c.Username, c.SourceRepo))

	c.log.Debug(fmt.Sprintf("Creating new repo %s/%s", c.Username, c.SourceRepo))
	description := fmt.Sprintf("Clone of %s/%s", c.SourceOwner, c.SourceRepo)
	if err := c.gh.CreatePrivateRepo(ctx, c.SourceRepo, description); err != nil {
		return "", errors.NewResolutionError("failed to create the destination repository", err,
			c.Username+"/"+c.SourceRepo,
			"A repository with the same name may already exist",
			"The token needs the repo scope")
	}

	if err := c.cloneAndPush(ctx); err != nil {
		return "", err
	}

	dest := fmt.Sprintf("%s/%s/%s", constants.GitHubHost, c.Username, c.SourceRepo)
	c.log.Info("Repo cloned to " + dest)
	return dest, nil
}

func (c *Cloner) cloneAndPush(ctx context.Context) error {
	g, err := NewGit(c.runner)
	if err != nil {
		return err
	}
	defer func() {
		c.log.Debug("Cleaning up " + g.Dir)
		if err := g.Cleanup(); err != nil {
			c.log.Warn(fmt.Sprintf("Failed to remove %s", g.Dir), "err", err)
		}
	}()

	c.log.Debug(fmt.Sprintf("Cloning from %s/%s", c.SourceOwner, c.SourceRepo))
	if err := g.Clone(ctx, graph.RepoURL(c.SourceOwner, c.SourceRepo, "")); err != nil {
		return err
	}
	if err := g.SetOrigin(ctx, c.origin()); err != nil {
		return err
	}
	c.log.Debug(fmt.Sprintf("Pushing to %s/%s", c.Username, c.SourceRepo))
	return g.Push(ctx)
}

// origin is the authenticated push URL of the destination
func (c *Cloner) origin() string {
	u := url.URL{
		Scheme: "https",
		User:   url.UserPassword(c.Username, c.token),
		Host:   strings.TrimPrefix(constants.GitHubHost, "https://"),
		Path:   "/" + c.Username + "/" + c.SourceRepo,
	}
	return u.String()
}
