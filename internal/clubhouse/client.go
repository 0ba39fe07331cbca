package clubhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errRateLimited = errors.New("rate limited")

// NewClient creates a new Clubhouse client.
func NewClient(apiToken string) *Client {
	return &Client{
		APIToken: apiToken,
		Endpoint: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		MaxRetries: MaxRetries,
		RetryDelay: RetryDelay,
	}
}

// WithEndpoint returns a copy of the client pointed at a different endpoint.
func (c *Client) WithEndpoint(endpoint string) *Client {
	clone := *c
	clone.Endpoint = strings.TrimSuffix(endpoint, "/")
	return &clone
}

// WithHTTPClient returns a copy of the client using the given HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	clone := *c
	clone.HTTPClient = httpClient
	return &clone
}

// Create posts an epic or story payload. A non-nil Response is returned
// for every answered request, whatever its status; err is reserved for
// requests that never got an answer.
func (c *Client) Create(ctx context.Context, kind Kind, payload interface{}) (*Response, error) {
	path, err := kind.path()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	// Creates are not idempotent: a transport failure may have reached the
	// server, so only explicit 429s are retried.
	return c.do(ctx, http.MethodPost, path, body, false)
}

// GetProject fetches a project by ID.
func (c *Client) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var project Project
	if err := c.getJSON(ctx, fmt.Sprintf("/projects/%d", projectID), &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListMembers returns all workspace members.
func (c *Client) ListMembers(ctx context.Context) ([]Member, error) {
	var members []Member
	if err := c.getJSON(ctx, "/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

// ListWorkflows returns all workflows with their states.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var workflows []Workflow
	if err := c.getJSON(ctx, "/workflows", &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// TeamStates returns the workflow states belonging to a team, in API order.
func TeamStates(workflows []Workflow, teamID int64) []WorkflowState {
	var states []WorkflowState
	for _, w := range workflows {
		if w.TeamID == teamID {
			states = append(states, w.States...)
		}
	}
	return states
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

// do executes a request, retrying rate-limited answers with exponential
// backoff. When retries run out the last 429 response is returned as is.
func (c *Client) do(ctx context.Context, method, path string, body []byte, retryTransport bool) (*Response, error) {
	if c.APIToken == "" {
		return nil, fmt.Errorf("clubhouse API token not configured")
	}

	var last *Response
	op := func() error {
		resp, err := c.send(ctx, method, path, body)
		if err != nil {
			if retryTransport && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		last = resp
		if resp.StatusCode == http.StatusTooManyRequests {
			return errRateLimited
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries())), ctx))
	if errors.Is(err, errRateLimited) && last != nil {
		return last, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Clubhouse-Token", c.APIToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "yt2ch/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Status: resp.Status, Body: respBody}, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RetryDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = RetryDelay
	}
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by MaxRetries instead
	return bo
}

func (c *Client) retries() int {
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

func (c *Client) endpoint() string {
	if c.Endpoint == "" {
		return DefaultAPIEndpoint
	}
	return c.Endpoint
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
