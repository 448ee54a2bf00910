package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"linkwatch/pkg/logx"
)

func githubServer(t *testing.T, issues, pulls string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/acme/widgets/issues":
			fmt.Fprint(w, issues)
		case "/repos/acme/widgets/pulls":
			fmt.Fprint(w, pulls)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubFetchSinceFiltersAndLabels(t *testing.T) {
	issues := `[
		{"number": 1, "title": "old bug", "state": "closed", "updated_at": "2024-01-01T00:00:00Z", "user": {"login": "alice"}},
		{"number": 2, "title": "new bug", "state": "open", "updated_at": "2024-03-01T00:00:00Z", "user": {"login": "bob"}},
		{"number": 3, "title": "pr in issues feed", "state": "open", "updated_at": "2024-03-02T00:00:00Z", "user": {"login": "carol"}, "pull_request": {"url": "x"}}
	]`
	pulls := `[
		{"number": 3, "title": "pr in issues feed", "state": "open", "updated_at": "2024-03-02T00:00:00Z", "user": {"login": "carol"}}
	]`
	srv := githubServer(t, issues, pulls)
	c := NewGitHubChecker(GitHubOptions{BaseURL: srv.URL}, logx.Nop())

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	res, err := c.FetchSince(context.Background(), "https://github.com/acme/widgets", &since)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d, want issue #2 and pull #3 only: %+v", len(res.Items), res.Items)
	}
	if res.Items[0].Text != `issue #2 "new bug" by bob (open)` {
		t.Fatalf("issue text = %q", res.Items[0].Text)
	}
	if res.Items[1].Text != `pull request #3 "pr in issues feed" by carol (open)` {
		t.Fatalf("pull text = %q", res.Items[1].Text)
	}
	if res.CheckedAt.IsZero() {
		t.Fatal("CheckedAt not set")
	}
}

func TestGitHubFetchSinceNilSinceReturnsEverything(t *testing.T) {
	issues := `[{"number": 1, "title": "ancient", "state": "closed", "updated_at": "2020-01-01T00:00:00Z", "user": {"login": "alice"}}]`
	srv := githubServer(t, issues, `[]`)
	c := NewGitHubChecker(GitHubOptions{BaseURL: srv.URL}, logx.Nop())

	res, err := c.FetchSince(context.Background(), "https://github.com/acme/widgets", nil)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(res.Items))
	}
}

func TestGitHubServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := NewGitHubChecker(GitHubOptions{BaseURL: srv.URL}, logx.Nop())

	_, err := c.FetchSince(context.Background(), "https://github.com/acme/widgets", nil)
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestGitHubBadRepoPathIsUnsupported(t *testing.T) {
	c := NewGitHubChecker(GitHubOptions{BaseURL: "http://127.0.0.1:0"}, logx.Nop())

	for _, raw := range []string{
		"https://github.com/",
		"https://github.com/just-an-owner",
	} {
		_, err := c.FetchSince(context.Background(), raw, nil)
		if !errors.Is(err, ErrUnsupportedSource) {
			t.Fatalf("FetchSince(%q): err = %v, want ErrUnsupportedSource", raw, err)
		}
	}
}

func TestGitHubRepoPathStripsGitSuffix(t *testing.T) {
	repo, err := githubRepoPath("https://github.com/acme/widgets.git")
	if err != nil {
		t.Fatalf("githubRepoPath: %v", err)
	}
	if repo != "acme/widgets" {
		t.Fatalf("repo = %q", repo)
	}
}
