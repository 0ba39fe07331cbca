package mapper

import (
	"fmt"
	"strconv"
	"strings"
)

const forwardPrefix = "YT:"

// RefKind distinguishes the forms of a story's epic reference.
type RefKind int

const (
	RefNone RefKind = iota
	RefEpicID
	RefForward
)

// EpicRef is a story's epic reference: absent, a Clubhouse epic ID, or a
// forward reference to a source issue that will become an epic.
type EpicRef struct {
	Kind     RefKind
	EpicID   int64
	SourceID string
}

// Literal returns a reference to an existing Clubhouse epic.
func Literal(epicID int64) EpicRef {
	return EpicRef{Kind: RefEpicID, EpicID: epicID}
}

// Forward returns a reference to the epic sourceID will become.
func Forward(sourceID string) EpicRef {
	return EpicRef{Kind: RefForward, SourceID: sourceID}
}

// ParseEpicRef parses "", an integer epic ID, or "YT:<sourceId>".
func ParseEpicRef(s string) (EpicRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EpicRef{}, nil
	}
	if strings.HasPrefix(s, forwardPrefix) {
		id := strings.TrimSpace(strings.TrimPrefix(s, forwardPrefix))
		if id == "" {
			return EpicRef{}, fmt.Errorf("empty forward reference %q", s)
		}
		return Forward(id), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return EpicRef{}, fmt.Errorf("invalid epic reference %q", s)
	}
	return Literal(n), nil
}

// String renders the reference in the form ParseEpicRef accepts.
func (r EpicRef) String() string {
	switch r.Kind {
	case RefEpicID:
		return strconv.FormatInt(r.EpicID, 10)
	case RefForward:
		return forwardPrefix + r.SourceID
	default:
		return ""
	}
}
