// Package ledger persists the resumable import state: which source issues
// have been created in Clubhouse, pending epic claims for stories not yet
// created, and stories deferred on an unresolved epic reference.
//
// The ledger is a single pretty-printed JSON document, fully rewritten on
// every Save through an atomic rename.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/natefinch/atomic"
)

// FileName is the ledger's file name inside the data directory.
const FileName = "import-status.json"

// Kind is the destination record type of an imported issue.
type Kind string

const (
	KindEpic  Kind = "epic"
	KindStory Kind = "story"
)

// ErrAlreadyImported is returned when recording an issue that already has
// an entry. Entries are write-once.
var ErrAlreadyImported = errors.New("issue already imported")

// Entry records one completed import.
type Entry struct {
	Kind          Kind  `json:"kind"`
	DestinationID int64 `json:"destinationId"`
}

// Ledger is the in-memory image of import-status.json. It is not safe for
// concurrent use; the importer owns it for the whole run.
type Ledger struct {
	path string

	StartDate time.Time        `json:"startDate"`
	Issues    map[string]Entry `json:"issues"`
	EpicMap   map[string]int64 `json:"epicMap"`
	Deferred  StringSet        `json:"deferred"`
}

// Open loads the ledger at path, or returns a fresh one stamped with the
// current time when the file does not exist yet. Nothing is written until
// the first Save.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from config
	if errors.Is(err, os.ErrNotExist) {
		l.StartDate = time.Now().UTC().Truncate(time.Second)
		l.init()
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	l.init()
	return l, nil
}

func (l *Ledger) init() {
	if l.Issues == nil {
		l.Issues = make(map[string]Entry)
	}
	if l.EpicMap == nil {
		l.EpicMap = make(map[string]int64)
	}
	if l.Deferred == nil {
		l.Deferred = make(StringSet)
	}
}

// Path returns the file the ledger saves to.
func (l *Ledger) Path() string {
	return l.path
}

// Lookup returns the import entry for a source ID.
func (l *Ledger) Lookup(id string) (Entry, bool) {
	e, ok := l.Issues[id]
	return e, ok
}

// RecordImport marks id as created. Any deferral or pending epic claim for
// id is cleared in the same step.
func (l *Ledger) RecordImport(id string, kind Kind, destID int64) error {
	if _, ok := l.Issues[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyImported, id)
	}
	l.Issues[id] = Entry{Kind: kind, DestinationID: destID}
	delete(l.Deferred, id)
	delete(l.EpicMap, id)
	return nil
}

// ClaimChild records that epicID wants childID as a child. The last claim
// wins; replaced reports whether an earlier claim by a different epic was
// overwritten.
func (l *Ledger) ClaimChild(childID string, epicID int64) (replaced bool, previous int64) {
	previous, had := l.EpicMap[childID]
	l.EpicMap[childID] = epicID
	return had && previous != epicID, previous
}

// EpicFor returns the epic claiming id, if any.
func (l *Ledger) EpicFor(id string) (int64, bool) {
	epicID, ok := l.EpicMap[id]
	return epicID, ok
}

// Defer adds id to the deferred set.
func (l *Ledger) Defer(id string) {
	l.Deferred[id] = struct{}{}
}

// Undefer removes id from the deferred set without importing it.
func (l *Ledger) Undefer(id string) {
	delete(l.Deferred, id)
}

// IsDeferred reports whether id is waiting on an epic.
func (l *Ledger) IsDeferred(id string) bool {
	_, ok := l.Deferred[id]
	return ok
}

// DeferredIDs returns the deferred IDs in sorted order.
func (l *Ledger) DeferredIDs() []string {
	return l.Deferred.Sorted()
}

// DeferredCount returns the size of the deferred set.
func (l *Ledger) DeferredCount() int {
	return len(l.Deferred)
}

// Counts returns the number of imported epics and stories.
func (l *Ledger) Counts() (epics, stories int) {
	for _, e := range l.Issues {
		switch e.Kind {
		case KindEpic:
			epics++
		case KindStory:
			stories++
		}
	}
	return epics, stories
}

// Save rewrites the ledger file. The write goes to a temporary file that
// is renamed over the old one, so a reader never sees a partial document.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
	}
	if err := atomic.WriteFile(l.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// StringSet is a set of IDs. It encodes as a sorted JSON array and also
// decodes the object form {"ID": true} written by older versions.
type StringSet map[string]struct{}

// Sorted returns the members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	set := make(StringSet)
	trimmed := bytes.TrimSpace(data)

	switch {
	case len(trimmed) == 0 || string(trimmed) == "null":
	case trimmed[0] == '{':
		var legacy map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return err
		}
		for id := range legacy {
			set[id] = struct{}{}
		}
	default:
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}

	*s = set
	return nil
}
