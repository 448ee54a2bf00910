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

func stackServer(t *testing.T, answers, comments string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("site"); got != "stackoverflow" {
			t.Errorf("site param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/questions/123/answers":
			fmt.Fprint(w, answers)
		case "/questions/123/comments":
			fmt.Fprint(w, comments)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStackOverflowFetchSince(t *testing.T) {
	answers := `{"items": [
		{"creation_date": 1000, "score": 3, "is_accepted": true, "owner": {"display_name": "alice"}},
		{"creation_date": 5000, "score": 1, "owner": {"display_name": "bob"}}
	]}`
	comments := `{"items": [
		{"creation_date": 6000, "owner": {"display_name": "carol"}}
	]}`
	srv := stackServer(t, answers, comments)
	c := NewStackOverflowChecker(StackOverflowOptions{BaseURL: srv.URL}, logx.Nop())

	since := time.Unix(2000, 0).UTC()
	res, err := c.FetchSince(context.Background(), "https://stackoverflow.com/questions/123/how-to", &since)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d, want the newer answer and the comment: %+v", len(res.Items), res.Items)
	}
	if res.Items[0].Text != "answer by bob (score 1)" {
		t.Fatalf("answer text = %q", res.Items[0].Text)
	}
	if res.Items[1].Text != "comment by carol" {
		t.Fatalf("comment text = %q", res.Items[1].Text)
	}
	if !res.Items[0].Timestamp.Equal(time.Unix(5000, 0).UTC()) {
		t.Fatalf("timestamp = %v", res.Items[0].Timestamp)
	}
}

func TestStackOverflowAcceptedAnswerLabeled(t *testing.T) {
	answers := `{"items": [{"creation_date": 5000, "score": 7, "is_accepted": true, "owner": {"display_name": "alice"}}]}`
	srv := stackServer(t, answers, `{"items": []}`)
	c := NewStackOverflowChecker(StackOverflowOptions{BaseURL: srv.URL}, logx.Nop())

	res, err := c.FetchSince(context.Background(), "https://stackoverflow.com/q/123", nil)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Text != "answer by alice (score 7), accepted" {
		t.Fatalf("items = %+v", res.Items)
	}
}

func TestStackOverflowServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "throttled", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c := NewStackOverflowChecker(StackOverflowOptions{BaseURL: srv.URL}, logx.Nop())

	_, err := c.FetchSince(context.Background(), "https://stackoverflow.com/questions/123", nil)
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestStackQuestionID(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"https://stackoverflow.com/questions/123/title-slug", 123, false},
		{"https://stackoverflow.com/q/456", 456, false},
		{"https://stackoverflow.com/users/123", 0, true},
		{"https://stackoverflow.com/questions/not-a-number", 0, true},
		{"https://stackoverflow.com/", 0, true},
	}
	for _, tc := range cases {
		id, err := stackQuestionID(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedSource) {
				t.Fatalf("stackQuestionID(%q): err = %v, want ErrUnsupportedSource", tc.raw, err)
			}
			continue
		}
		if err != nil || id != tc.want {
			t.Fatalf("stackQuestionID(%q) = %d, %v", tc.raw, id, err)
		}
	}
}

func TestRegistryResolvesHost(t *testing.T) {
	reg := NewRegistry()
	gh := &GitHubChecker{}
	reg.Register("github.com", gh)

	c, err := reg.Resolve("https://www.github.com/acme/widgets")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c != Checker(gh) {
		t.Fatal("wrong checker resolved")
	}

	if _, err := reg.Resolve("https://gitlab.com/acme/widgets"); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("err = %v, want ErrUnsupportedSource", err)
	}
}
