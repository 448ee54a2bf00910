package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"linkwatch/pkg/logx"
)

const stackOverflowDefaultBaseURL = "https://api.stackexchange.com/2.3"

// StackOverflowOptions configures the StackOverflow checker.
type StackOverflowOptions struct {
	BaseURL string // override for tests
	Key     string // optional StackExchange API key
	Timeout time.Duration
}

// StackOverflowChecker reports new answers and comments on a question URL of
// the form https://stackoverflow.com/questions/{id}/....
type StackOverflowChecker struct {
	http *resty.Client
	key  string
	log  logx.Logger
}

func NewStackOverflowChecker(opts StackOverflowOptions, log logx.Logger) *StackOverflowChecker {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = stackOverflowDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)

	return &StackOverflowChecker{http: client, key: strings.TrimSpace(opts.Key), log: log}
}

type stackItem struct {
	CreationDate int64 `json:"creation_date"` // unix seconds
	Score        int   `json:"score"`
	IsAccepted   bool  `json:"is_accepted"`
	Owner        struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
}

type stackResponse struct {
	Items []stackItem `json:"items"`
}

func (c *StackOverflowChecker) FetchSince(ctx context.Context, rawURL string, since *time.Time) (Result, error) {
	questionID, err := stackQuestionID(rawURL)
	if err != nil {
		return Result{}, err
	}

	answers, err := c.list(ctx, rawURL, fmt.Sprintf("/questions/%d/answers", questionID))
	if err != nil {
		return Result{}, err
	}
	comments, err := c.list(ctx, rawURL, fmt.Sprintf("/questions/%d/comments", questionID))
	if err != nil {
		return Result{}, err
	}

	var items []Item
	for _, a := range answers {
		ts := time.Unix(a.CreationDate, 0).UTC()
		if since != nil && !ts.After(*since) {
			continue
		}
		text := fmt.Sprintf("answer by %s (score %d)", a.Owner.DisplayName, a.Score)
		if a.IsAccepted {
			text += ", accepted"
		}
		items = append(items, Item{Timestamp: ts, Text: text})
	}
	for _, cm := range comments {
		ts := time.Unix(cm.CreationDate, 0).UTC()
		if since != nil && !ts.After(*since) {
			continue
		}
		items = append(items, Item{Timestamp: ts, Text: fmt.Sprintf("comment by %s", cm.Owner.DisplayName)})
	}

	return Result{Items: items, CheckedAt: time.Now()}, nil
}

func (c *StackOverflowChecker) list(ctx context.Context, rawURL, path string) ([]stackItem, error) {
	params := map[string]string{
		"site":   "stackoverflow",
		"sort":   "creation",
		"order":  "desc",
		"filter": "withbody",
	}
	if c.key != "" {
		params["key"] = c.key
	}

	var out stackResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, &TransientError{Op: "stackoverflow get", URL: rawURL, Err: err}
	}
	if resp.IsError() {
		return nil, &TransientError{Op: "stackoverflow get", URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return out.Items, nil
}

// stackQuestionID extracts the numeric question id from a stackoverflow.com
// question URL.
func stackQuestionID(rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedSource, rawURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || (parts[0] != "questions" && parts[0] != "q") {
		return 0, fmt.Errorf("%w: %q is not a question url", ErrUnsupportedSource, rawURL)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad question id in %q", ErrUnsupportedSource, rawURL)
	}
	return id, nil
}
