// Package youtrack provides a client for the YouTrack export REST API and
// the downloader that turns an export into a local issue snapshot.
package youtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 60 * time.Second

	// MaxRetries bounds retries of rate-limited or failed requests.
	MaxRetries = 5

	// RetryDelay is the initial backoff delay.
	RetryDelay = time.Second
)

// Client talks to the YouTrack REST API under <URL>/rest.
type Client struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates a client for the YouTrack instance at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		URL:   strings.TrimSuffix(baseURL, "/"),
		Token: token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		MaxRetries: MaxRetries,
		RetryDelay: RetryDelay,
	}
}

// FieldValue is one custom or system field of an exported issue. YouTrack
// sends either "value" or "values"; both are accepted.
type FieldValue struct {
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value,omitempty"`
	Values json.RawMessage `json:"values,omitempty"`
}

// RawComment is an exported comment.
type RawComment struct {
	Author  string          `json:"author"`
	Text    string          `json:"text"`
	Created json.RawMessage `json:"created"`
}

// RawIssue is one issue of the export API.
type RawIssue struct {
	ID      string       `json:"id"`
	Fields  []FieldValue `json:"field"`
	Comment []RawComment `json:"comment"`
}

// RawLink is one issue link of the export API. Source and Target are
// full issue IDs.
type RawLink struct {
	TypeName string `json:"typeName"`
	Source   string `json:"source"`
	Target   string `json:"target"`
}

// User is a YouTrack account.
type User struct {
	Login    string `json:"login"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// APIError is returned for non-2xx answers.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("youtrack API GET %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// ExportIssues fetches one page of a project's issues.
func (c *Client) ExportIssues(ctx context.Context, project string, max, after int) ([]RawIssue, error) {
	var page struct {
		Issue []RawIssue `json:"issue"`
	}
	path := fmt.Sprintf("/export/%s/issues?max=%d&after=%d", url.PathEscape(project), max, after)
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return page.Issue, nil
}

// ExportLinks fetches one page of issue links. The export API ignores
// after, so callers request a single large page.
func (c *Client) ExportLinks(ctx context.Context, max, after int) ([]RawLink, error) {
	var page struct {
		IssueLink []RawLink `json:"issueLink"`
	}
	if err := c.get(ctx, fmt.Sprintf("/export/links?max=%d&after=%d", max, after), &page); err != nil {
		return nil, err
	}
	return page.IssueLink, nil
}

// GetUser looks up an account by login.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	var user User
	if err := c.get(ctx, "/admin/user/"+url.PathEscape(login), &user); err != nil {
		return nil, err
	}
	if user.Login == "" {
		user.Login = login
	}
	return &user, nil
}

// get issues a GET, retrying transport errors, 429 and 5xx with
// exponential backoff.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.Token == "" {
		return fmt.Errorf("youtrack API token not configured")
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/rest"+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "yt2ch/1.0")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		apiErr := &APIError{Path: path, StatusCode: resp.StatusCode, Body: string(data)}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apiErr
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(apiErr)
		}
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RetryDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = RetryDelay
	}
	bo.MaxElapsedTime = 0
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
