// Package mapper translates YouTrack snapshot issues into Clubhouse epic
// and story payloads using a data-driven lookup table.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
	"github.com/yt2ch/yt2ch/internal/types"
)

// Kind is the destination record type produced for an issue.
type Kind string

const (
	KindEpic  Kind = "epic"
	KindStory Kind = "story"
)

// Record is the mapped form of one source issue. Exactly one of Epic and
// Story is set, matching Kind.
type Record struct {
	Kind  Kind
	Epic  *clubhouse.EpicParams
	Story *clubhouse.StoryParams

	// Children lists source IDs an epic claims via Subtask links. It is
	// never sent to Clubhouse.
	Children []string

	// EpicRef is the story's epic reference before resolution.
	EpicRef EpicRef
}

// Classifier maps a source issue to a Record. A nil Record with a nil
// error means the issue is skipped.
type Classifier interface {
	Classify(issue *types.SourceIssue) (*Record, error)
}

// Mapper is the table-driven Classifier.
type Mapper struct {
	Table *Table

	// Now supplies the updated_at of issues that were never updated.
	// Defaults to time.Now.
	Now func() time.Time
}

// New returns a Mapper over t.
func New(t *Table) *Mapper {
	return &Mapper{Table: t, Now: time.Now}
}

// Classify maps issue to an epic when its type is Epic, otherwise to a story.
func (m *Mapper) Classify(issue *types.SourceIssue) (*Record, error) {
	if issue == nil || issue.ID == "" {
		return nil, fmt.Errorf("classify: issue has no id")
	}
	if issue.Type == types.TypeEpic {
		return m.epic(issue), nil
	}
	return m.story(issue), nil
}

func (m *Mapper) epic(issue *types.SourceIssue) *Record {
	epic := &clubhouse.EpicParams{
		Name:          issue.Summary,
		Description:   issue.Description,
		ExternalID:    issue.ID,
		CreatedAt:     m.created(issue),
		UpdatedAt:     m.updated(issue),
		RequestedByID: m.Table.FindUser(issue.Reporter),
		OwnerIDs:      m.Table.FindUsers(issue.Assignees),
	}

	var children []string
	for _, link := range issue.Links {
		if link.Type == types.LinkSubtask && link.IssueID != "" {
			children = append(children, issue.ChildID(link))
		}
	}
	return &Record{Kind: KindEpic, Epic: epic, Children: children}
}

func (m *Mapper) story(issue *types.SourceIssue) *Record {
	story := &clubhouse.StoryParams{
		ProjectID:       m.Table.ProjectID,
		Name:            issue.Summary,
		Description:     issue.Description,
		ExternalID:      issue.ID,
		CreatedAt:       m.created(issue),
		UpdatedAt:       m.updated(issue),
		RequestedByID:   m.Table.FindUser(issue.Reporter),
		OwnerIDs:        m.Table.FindUsers(issue.Assignees),
		Estimate:        m.estimate(issue),
		StoryType:       m.Table.StoryType(issue.Type),
		WorkflowStateID: m.Table.WorkflowState(issue.State),
		ExternalTickets: []clubhouse.ExternalTicket{{
			ExternalID:  issue.ID,
			ExternalURL: m.Table.YouTrackURL + "/issue/" + issue.ID,
		}},
		Comments: m.comments(issue),
	}
	return &Record{Kind: KindStory, Story: story, EpicRef: m.epicRef(issue)}
}

// CommentID is the deterministic external ID of the index-th comment.
func CommentID(issueID string, index int) string {
	return fmt.Sprintf("%s#comment%d", issueID, index)
}

// comments keeps source positions in the external IDs even when empty
// comments are dropped.
func (m *Mapper) comments(issue *types.SourceIssue) []clubhouse.CommentParams {
	out := make([]clubhouse.CommentParams, 0, len(issue.Comments))
	for i, c := range issue.Comments {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		author := m.Table.FindUser(c.Author)
		if author == "" {
			author = m.Table.Users.Fallback
		}
		out = append(out, clubhouse.CommentParams{
			AuthorID:   author,
			Text:       c.Text,
			ExternalID: CommentID(issue.ID, i),
			CreatedAt:  formatTime(c.Created.Time()),
		})
	}
	return out
}

func (m *Mapper) estimate(issue *types.SourceIssue) *int {
	field := m.Table.EstimateField
	if field == "" {
		field = DefaultEstimateField
	}
	raw := strings.TrimSpace(issue.Field(field))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

// epicRef reads the optional epic custom field. Without one configured the
// Subtask claims recorded by epics are the only association path.
func (m *Mapper) epicRef(issue *types.SourceIssue) EpicRef {
	if m.Table.EpicField == "" {
		return EpicRef{}
	}
	value := strings.TrimSpace(issue.Field(m.Table.EpicField))
	switch {
	case value == "":
		return EpicRef{}
	case strings.HasPrefix(value, forwardPrefix):
		ref, err := ParseEpicRef(value)
		if err != nil {
			return EpicRef{}
		}
		return ref
	case strings.Contains(value, "-"):
		return Forward(value)
	default:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return EpicRef{}
		}
		return Forward(issue.Project() + "-" + value)
	}
}

func (m *Mapper) created(issue *types.SourceIssue) string {
	return formatTime(issue.Created.Time())
}

func (m *Mapper) updated(issue *types.SourceIssue) string {
	if issue.Updated != nil {
		return formatTime(issue.Updated.Time())
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return formatTime(now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
