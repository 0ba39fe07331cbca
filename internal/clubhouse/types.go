// Package clubhouse provides a client and wire types for the Clubhouse v3
// REST API.
//
// Only the calls the migration needs are implemented: creating epics and
// stories, and the read-only lookups used to generate the mapping table
// (project, members, workflows).
package clubhouse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the Clubhouse REST API endpoint.
	DefaultAPIEndpoint = "https://api.clubhouse.io/api/v3"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 5

	// RetryDelay is the initial delay between retries (exponential backoff).
	RetryDelay = time.Second
)

// Kind selects which resource a create call targets.
type Kind string

const (
	KindEpic  Kind = "epic"
	KindStory Kind = "story"
)

// path returns the collection path for the kind.
func (k Kind) path() (string, error) {
	switch k {
	case KindEpic:
		return "/epics", nil
	case KindStory:
		return "/stories", nil
	default:
		return "", fmt.Errorf("unknown kind %q", string(k))
	}
}

// Client provides methods to interact with the Clubhouse REST API.
type Client struct {
	APIToken   string
	Endpoint   string // REST API endpoint URL (defaults to DefaultAPIEndpoint)
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

// Response is the raw outcome of a create call. Anything but 201 Created
// is a failure; the body is kept for diagnostics.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
}

// Created reports whether the call returned 201 Created.
func (r *Response) Created() bool {
	return r != nil && r.StatusCode == http.StatusCreated
}

// ID decodes the "id" field of a created resource.
func (r *Response) ID() (int64, error) {
	var created struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(r.Body, &created); err != nil {
		return 0, fmt.Errorf("parse create response: %w", err)
	}
	if created.ID == nil {
		return 0, fmt.Errorf("create response has no id: %s", string(r.Body))
	}
	return *created.ID, nil
}

// EpicParams is the payload for POST /epics.
type EpicParams struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ExternalID    string   `json:"external_id"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	RequestedByID string   `json:"requested_by_id,omitempty"`
	OwnerIDs      []string `json:"owner_ids,omitempty"`
}

// StoryParams is the payload for POST /stories.
type StoryParams struct {
	ProjectID       int64            `json:"project_id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	ExternalID      string           `json:"external_id"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	RequestedByID   string           `json:"requested_by_id,omitempty"`
	OwnerIDs        []string         `json:"owner_ids,omitempty"`
	Estimate        *int             `json:"estimate,omitempty"`
	StoryType       string           `json:"story_type,omitempty"` // "feature", "bug", "chore"
	WorkflowStateID *int64           `json:"workflow_state_id,omitempty"`
	EpicID          *int64           `json:"epic_id,omitempty"`
	ExternalTickets []ExternalTicket `json:"external_tickets"`
	Comments        []CommentParams  `json:"comments"`
}

// ExternalTicket links a story back to the ticket it came from.
type ExternalTicket struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
}

// CommentParams is a comment created inline with a story.
type CommentParams struct {
	AuthorID   string `json:"author_id"`
	Text       string `json:"text"`
	ExternalID string `json:"external_id"`
	CreatedAt  string `json:"created_at"`
}

// Project is a Clubhouse project.
type Project struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	TeamID int64  `json:"team_id"`
}

// Member is a workspace member.
type Member struct {
	ID       string  `json:"id"` // UUID
	Disabled bool    `json:"disabled"`
	Profile  Profile `json:"profile"`
}

// Profile holds a member's display identity.
type Profile struct {
	Name         string `json:"name"`
	MentionName  string `json:"mention_name"`
	EmailAddress string `json:"email_address"`
}

// Workflow represents a workflow in Clubhouse.
type Workflow struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	TeamID int64           `json:"team_id"`
	States []WorkflowState `json:"states"`
}

// WorkflowState represents a state within a workflow.
type WorkflowState struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "unstarted", "started", "done"
	Position int    `json:"position"`
}

// APIError is returned by read calls that do not answer 2xx.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("clubhouse API %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
