package mapper

import (
	"strings"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
)

// SourceUser is a YouTrack account as returned by the user lookup.
type SourceUser struct {
	Login    string
	Email    string
	FullName string
}

// GenerateInput is everything BuildTable needs to draft a lookup table.
type GenerateInput struct {
	ProjectID   int64
	YouTrackURL string
	Fallback    string

	Users   []SourceUser
	Members []clubhouse.Member

	IssueTypes  []string
	IssueStates []string
	States      []clubhouse.WorkflowState
}

// BuildTable drafts a lookup table. Users are matched to members by email,
// then by full name; unmatched users are left to the fallback. Types fold
// onto bug, feature or chore. States match workflow states by name and map
// to null when nothing matches.
func BuildTable(in GenerateInput) *Table {
	t := &Table{
		ProjectID:     in.ProjectID,
		YouTrackURL:   strings.TrimSuffix(in.YouTrackURL, "/"),
		EstimateField: DefaultEstimateField,
		Users: UserTable{
			Fallback: in.Fallback,
			Map:      make(map[string]string),
		},
		Types:  make(map[string]string),
		States: make(map[string]*int64),
	}

	byEmail := make(map[string]string)
	byName := make(map[string]string)
	for _, m := range in.Members {
		if m.Disabled {
			continue
		}
		if e := strings.ToLower(m.Profile.EmailAddress); e != "" {
			if _, dup := byEmail[e]; !dup {
				byEmail[e] = m.ID
			}
		}
		if n := strings.ToLower(m.Profile.Name); n != "" {
			if _, dup := byName[n]; !dup {
				byName[n] = m.ID
			}
		}
	}
	for _, u := range in.Users {
		if u.Login == "" {
			continue
		}
		id, ok := byEmail[strings.ToLower(u.Email)]
		if !ok {
			id, ok = byName[strings.ToLower(u.FullName)]
		}
		if ok {
			t.Users.Map[strings.ToLower(u.Login)] = id
		}
	}

	for _, tag := range in.IssueTypes {
		t.Types[strings.ToLower(tag)] = FoldType(tag)
	}

	stateIDs := make(map[string]int64, len(in.States))
	for _, s := range in.States {
		name := strings.ToLower(s.Name)
		if _, dup := stateIDs[name]; !dup {
			stateIDs[name] = s.ID
		}
	}
	for _, state := range in.IssueStates {
		key := strings.ToLower(state)
		if id, ok := stateIDs[key]; ok {
			id := id
			t.States[key] = &id
		} else {
			t.States[key] = nil
		}
	}
	return t
}

// FoldType maps a YouTrack type name onto a Clubhouse story type.
func FoldType(tag string) string {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "bug":
		return StoryBug
	case "user story", "story", "epic", "feature":
		return StoryFeature
	default:
		return StoryChore
	}
}
