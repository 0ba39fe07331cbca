// Package types defines the YouTrack snapshot record shared by the
// downloader, the on-disk issue store and the field mapper.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LinkSubtask is the YouTrack link type that ties an epic to its children.
const LinkSubtask = "Subtask"

// TypeEpic is the YouTrack type tag that makes an issue an epic.
const TypeEpic = "Epic"

// Link is a typed link from one source issue to another issue of the same
// project. IssueID holds only the numeric part of the target ID.
type Link struct {
	Type    string `json:"type"`
	IssueID string `json:"issueId"`
}

// Comment is a YouTrack comment as stored in the snapshot.
type Comment struct {
	Author  string `json:"author"`
	Text    string `json:"text"`
	Created Millis `json:"created"`
}

// SourceIssue is one immutable YouTrack issue from the local snapshot.
// Known keys are decoded into fields, everything else lands in Fields.
type SourceIssue struct {
	ID          string
	ProjectID   string
	Number      string
	Type        string
	State       string
	Summary     string
	Description string
	Created     Millis
	Updated     *Millis
	Reporter    string
	Assignees   []string
	Links       []Link
	Comments    []Comment

	// Fields holds custom fields (e.g. "Points") verbatim.
	Fields map[string]json.RawMessage
}

// knownKeys are decoded into SourceIssue fields rather than Fields.
var knownKeys = map[string]bool{
	"id":              true,
	"projectId":       true,
	"numberInProject": true,
	"Type":            true,
	"State":           true,
	"summary":         true,
	"description":     true,
	"created":         true,
	"updated":         true,
	"reporterName":    true,
	"Assignee":        true,
	"issueLinks":      true,
	"comments":        true,
}

// UnmarshalJSON decodes the flat snapshot layout written by the downloader.
func (s *SourceIssue) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = SourceIssue{}
	var err error
	str := func(key string) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = flattenString(raw[key])
		if err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
		}
		return v
	}

	s.ID = str("id")
	s.ProjectID = str("projectId")
	s.Number = str("numberInProject")
	s.Type = str("Type")
	s.State = str("State")
	s.Summary = str("summary")
	s.Description = str("description")
	s.Reporter = str("reporterName")
	if err != nil {
		return err
	}

	if v, ok := raw["created"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &s.Created); err != nil {
			return fmt.Errorf("field created: %w", err)
		}
	}
	if v, ok := raw["updated"]; ok && !isNull(v) && !isEmptyString(v) {
		var m Millis
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("field updated: %w", err)
		}
		s.Updated = &m
	}

	if v, ok := raw["Assignee"]; ok && !isNull(v) {
		assignees, err := flattenList(v)
		if err != nil {
			return fmt.Errorf("field Assignee: %w", err)
		}
		s.Assignees = assignees
	}
	if v, ok := raw["issueLinks"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &s.Links); err != nil {
			return fmt.Errorf("field issueLinks: %w", err)
		}
	}
	if v, ok := raw["comments"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &s.Comments); err != nil {
			return fmt.Errorf("field comments: %w", err)
		}
	}

	for key, value := range raw {
		if knownKeys[key] {
			continue
		}
		if s.Fields == nil {
			s.Fields = make(map[string]json.RawMessage)
		}
		s.Fields[key] = value
	}
	return nil
}

// MarshalJSON writes the flat snapshot layout. Custom fields are emitted
// alongside the known keys.
func (s SourceIssue) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Fields)+len(knownKeys))
	for key, value := range s.Fields {
		out[key] = value
	}

	out["id"] = s.ID
	out["projectId"] = s.ProjectID
	out["numberInProject"] = s.Number
	out["summary"] = s.Summary
	out["created"] = s.Created
	out["issueLinks"] = nonNilLinks(s.Links)
	out["comments"] = nonNilComments(s.Comments)
	if s.Updated != nil {
		out["updated"] = *s.Updated
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Type != "" {
		out["Type"] = s.Type
	}
	if s.State != "" {
		out["State"] = s.State
	}
	if s.Reporter != "" {
		out["reporterName"] = s.Reporter
	}
	if len(s.Assignees) > 0 {
		out["Assignee"] = s.Assignees
	}
	return json.Marshal(out)
}

// Field returns a custom field flattened to a string. Lists collapse to
// their first element; missing or null fields return "".
func (s *SourceIssue) Field(name string) string {
	raw, ok := s.Fields[name]
	if !ok {
		return ""
	}
	if v, err := flattenString(raw); err == nil {
		return v
	}
	if list, err := flattenList(raw); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// Project returns the issue's project. Without a projectId the project is
// taken from the issue's own ID.
func (s *SourceIssue) Project() string {
	if s.ProjectID != "" {
		return s.ProjectID
	}
	project, _ := SplitID(s.ID)
	return project
}

// ChildID builds the source ID of a linked issue in this issue's project.
func (s *SourceIssue) ChildID(link Link) string {
	return s.Project() + "-" + link.IssueID
}

// Millis is an epoch timestamp in milliseconds. The YouTrack export API
// sends these as numeric strings; the snapshot accepts both forms.
type Millis int64

// UnmarshalJSON accepts a JSON number or a numeric string.
func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch millis %q", string(data))
	}
	*m = Millis(v)
	return nil
}

// Time converts the timestamp to a UTC time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// FromTime converts t to epoch milliseconds.
func FromTime(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// SplitID splits "PRJ-12" into ("PRJ", "12"). IDs without a dash return
// an empty project.
func SplitID(id string) (project, number string) {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+1:]
}

func flattenString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '"':
		var s string
		err := json.Unmarshal(trimmed, &s)
		return s, err
	case '[':
		list, err := flattenList(trimmed)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "", nil
		}
		if len(list) > 1 {
			return "", fmt.Errorf("expected a single value, got %d", len(list))
		}
		return list[0], nil
	case '{':
		return "", fmt.Errorf("expected a scalar, got an object")
	default:
		return string(trimmed), nil
	}
}

func flattenList(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		s, err := flattenString(trimmed)
		if err != nil || s == "" {
			return nil, err
		}
		return []string{s}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := flattenString(item)
		if err != nil {
			return nil, err
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isEmptyString(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == `""`
}

func nonNilLinks(links []Link) []Link {
	if links == nil {
		return []Link{}
	}
	return links
}

func nonNilComments(comments []Comment) []Comment {
	if comments == nil {
		return []Comment{}
	}
	return comments
}
