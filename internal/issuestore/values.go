package issuestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/yt2ch/yt2ch/internal/types"
)

// Values aggregates the distinct usernames, issue types and states seen in
// a snapshot. init-mapper builds the lookup table from it.
type Values struct {
	Usernames   Set `json:"usernames"`
	IssueTypes  Set `json:"issueTypes"`
	IssueStates Set `json:"issueStates"`
}

// NewValues returns an empty aggregate.
func NewValues() *Values {
	return &Values{
		Usernames:   make(Set),
		IssueTypes:  make(Set),
		IssueStates: make(Set),
	}
}

// Observe adds the identities, type and state of an issue.
func (v *Values) Observe(issue *types.SourceIssue) {
	v.Usernames.Add(issue.Reporter)
	for _, a := range issue.Assignees {
		v.Usernames.Add(a)
	}
	for _, c := range issue.Comments {
		v.Usernames.Add(c.Author)
	}
	v.IssueTypes.Add(issue.Type)
	v.IssueStates.Add(issue.State)
}

// ReadValues loads yt-values.json from the store.
func (s *Store) ReadValues() (*Values, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, ValuesFile))
	if err != nil {
		return nil, err
	}
	v := NewValues()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ValuesFile, err)
	}
	return v, nil
}

// HasValues reports whether a snapshot has been downloaded.
func (s *Store) HasValues() bool {
	_, err := os.Stat(filepath.Join(s.Dir, ValuesFile))
	return !errors.Is(err, os.ErrNotExist)
}

// WriteValues saves the aggregate to yt-values.json.
func (s *Store) WriteValues(v *Values) error {
	return s.writeJSON(ValuesFile, v)
}

// Set is a string set encoded as a sorted JSON array.
type Set map[string]struct{}

// Add inserts a non-empty value.
func (s Set) Add(value string) {
	if value != "" {
		s[value] = struct{}{}
	}
}

// Has reports membership.
func (s Set) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for value := range s {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	set := make(Set, len(values))
	for _, value := range values {
		set.Add(value)
	}
	*s = set
	return nil
}
