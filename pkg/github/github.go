package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"

	"github.com/harekrishnarai/ghascan/pkg/archive"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/graph"
)

// Client represents a GitHub API client
type Client struct {
	client          *github.Client
	token           string
	maxArchiveBytes int64
}

// Option configures a Client
type Option func(*Client) error

// WithBaseURL points the client at another API endpoint
func WithBaseURL(base string) Option {
	return func(c *Client) error {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("invalid API URL %s: %w", base, err)
		}
		c.client.BaseURL = u
		return nil
	}
}

// WithMaxArchiveBytes bounds the decompressed size of repository archives
func WithMaxArchiveBytes(n int64) Option {
	return func(c *Client) error {
		c.maxArchiveBytes = n
		return nil
	}
}

// NewClient creates a new GitHub API client. An empty token falls back to
// GITHUB_TOKEN; without either the client is unauthenticated (rate limited).
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		token = os.Getenv(constants.EnvGitHubToken)
	}

	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	c := &Client{
		client:          github.NewClient(httpClient),
		token:           token,
		maxArchiveBytes: constants.DefaultMaxArchiveBytes,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Token returns the token the client authenticates with
func (c *Client) Token() string {
	return c.token
}

// RepoMetadata implements graph.MetadataProvider
func (c *Client) RepoMetadata(ctx context.Context, owner, name string) (*graph.RepoMetadata, error) {
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, name, err)
	}
	return &graph.RepoMetadata{
		DefaultBranch: repo.GetDefaultBranch(),
		SizeKB:        int64(repo.GetSize()),
		HTMLURL:       repo.GetHTMLURL(),
		Archived:      repo.GetArchived(),
		Fork:          repo.GetFork(),
	}, nil
}

// RepoFiles implements graph.ContentProvider. It downloads the repository
// tarball at ref and keeps the workflow and action files.
func (c *Client) RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error) {
	u := fmt.Sprintf("repos/%s/%s/tarball/%s", owner, name, url.PathEscape(ref))
	req, err := c.client.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.BareDo(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to download tarball of %s/%s@%s: %w", owner, name, ref, err)
	}
	defer resp.Body.Close()

	files, err := archive.ExtractActionsFiles(resp.Body, c.maxArchiveBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to extract tarball of %s/%s@%s: %w", owner, name, ref, err)
	}
	return files, nil
}

// OrgRepo is a repository listed for an organisation scan
type OrgRepo struct {
	Name     string
	HTMLURL  string
	Archived bool
	Fork     bool
}

// ListOrgRepos lists the public repositories of org, following pagination
func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]OrgRepo, error) {
	opt := &github.RepositoryListByOrgOptions{
		Type:        "public",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var repos []OrgRepo
	for {
		page, resp, err := c.client.Repositories.ListByOrg(ctx, org, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories of %s: %w", org, err)
		}
		for _, r := range page {
			repos = append(repos, OrgRepo{
				Name:     r.GetName(),
				HTMLURL:  r.GetHTMLURL(),
				Archived: r.GetArchived(),
				Fork:     r.GetFork(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return repos, nil
}

// AuthenticatedUser returns the login the token belongs to
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	user, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to get authenticated user: %w", err)
	}
	return user.GetLogin(), nil
}

// CreatePrivateRepo creates a private repository for the authenticated user
func (c *Client) CreatePrivateRepo(ctx context.Context, name, description string) error {
	repo := &github.Repository{
		Name:        github.String(name),
		Description: github.String(description),
		Private:     github.Bool(true),
	}
	if _, _, err := c.client.Repositories.Create(ctx, "", repo); err != nil {
		return fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	return nil
}

// StatusChecker reports the HTTP status of github.com pages without
// following redirects
type StatusChecker struct {
	client *http.Client
	host   string
}

// NewStatusChecker creates a checker against host, github.com when empty
func NewStatusChecker(host string) *StatusChecker {
	if host == "" {
		host = constants.GitHubHost
	}
	return &StatusChecker{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		host: strings.TrimSuffix(host, "/"),
	}
}

// Status returns the status code of a HEAD request to host/path
func (s *StatusChecker) Status(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.host+"/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
