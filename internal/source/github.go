package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"linkwatch/pkg/logx"
)

const githubDefaultBaseURL = "https://api.github.com"

// GitHubOptions configures the GitHub checker.
type GitHubOptions struct {
	BaseURL string // override for tests; default is the public API
	Token   string // optional; raises the rate limit when set
	Timeout time.Duration
}

// GitHubChecker reports issue and pull request activity on a repository URL
// of the form https://github.com/{owner}/{repo}.
type GitHubChecker struct {
	http *resty.Client
	log  logx.Logger
}

func NewGitHubChecker(opts GitHubOptions, log logx.Logger) *GitHubChecker {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = githubDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/vnd.github.v3+json")
	if strings.TrimSpace(opts.Token) != "" {
		client.SetHeader("Authorization", "Bearer "+strings.TrimSpace(opts.Token))
	}

	return &GitHubChecker{http: client, log: log}
}

type githubItem struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	// Present on /issues results that are actually pull requests.
	PullRequest map[string]any `json:"pull_request,omitempty"`
}

func (c *GitHubChecker) FetchSince(ctx context.Context, rawURL string, since *time.Time) (Result, error) {
	repo, err := githubRepoPath(rawURL)
	if err != nil {
		return Result{}, err
	}

	issues, err := c.list(ctx, rawURL, "/repos/"+repo+"/issues")
	if err != nil {
		return Result{}, err
	}
	pulls, err := c.list(ctx, rawURL, "/repos/"+repo+"/pulls")
	if err != nil {
		return Result{}, err
	}

	var items []Item
	for _, it := range issues {
		if it.PullRequest != nil {
			// The issues endpoint includes PRs; those come from /pulls.
			continue
		}
		if since != nil && !it.UpdatedAt.After(*since) {
			continue
		}
		items = append(items, Item{
			Timestamp: it.UpdatedAt,
			Text:      fmt.Sprintf("issue #%d %q by %s (%s)", it.Number, it.Title, it.User.Login, it.State),
		})
	}
	for _, it := range pulls {
		if since != nil && !it.UpdatedAt.After(*since) {
			continue
		}
		items = append(items, Item{
			Timestamp: it.UpdatedAt,
			Text:      fmt.Sprintf("pull request #%d %q by %s (%s)", it.Number, it.Title, it.User.Login, it.State),
		})
	}

	return Result{Items: items, CheckedAt: time.Now()}, nil
}

func (c *GitHubChecker) list(ctx context.Context, rawURL, path string) ([]githubItem, error) {
	var out []githubItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"state":     "all",
			"sort":      "updated",
			"direction": "desc",
			"per_page":  "100",
		}).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, &TransientError{Op: "github get", URL: rawURL, Err: err}
	}
	if resp.IsError() {
		return nil, &TransientError{Op: "github get", URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return out, nil
}

// githubRepoPath extracts "owner/repo" from a github.com URL.
func githubRepoPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, rawURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q is not owner/repo", ErrUnsupportedSource, rawURL)
	}
	return parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"), nil
}
