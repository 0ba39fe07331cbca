// Package issuestore reads and writes the local YouTrack snapshot: one JSON
// file per issue named after its number in the project, plus the reserved
// yt-values.json aggregate.
package issuestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/yt2ch/yt2ch/internal/types"
)

// ValuesFile is the reserved aggregate file excluded from enumeration.
const ValuesFile = "yt-values.json"

// DirName is the snapshot directory inside the data directory.
const DirName = "youtrack-issues"

// ErrMalformed marks a snapshot file that cannot be decoded or has no id.
var ErrMalformed = errors.New("malformed issue record")

// Store is a directory of issue snapshots.
type Store struct {
	Dir string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// Entry is one enumerated snapshot file. Exactly one of Issue and Err is set.
type Entry struct {
	Name  string
	Issue *types.SourceIssue
	Err   error
}

// Enumerate reads every issue file in stable order: numeric stems first in
// numeric order, then any other stems lexically. Files that fail to decode
// are returned with Err set rather than aborting the listing.
func (s *Store) Enumerate() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read issue directory: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || name == ValuesFile || filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return lessStem(names[i], names[j])
	})

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		issue, err := s.read(name)
		entries = append(entries, Entry{Name: name, Issue: issue, Err: err})
	}
	return entries, nil
}

func (s *Store) read(name string) (*types.SourceIssue, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, name)) // #nosec G304 - enumerated from Dir
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	var issue types.SourceIssue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if issue.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrMalformed, name)
	}
	return &issue, nil
}

func lessStem(a, b string) bool {
	sa := strings.TrimSuffix(a, ".json")
	sb := strings.TrimSuffix(b, ".json")
	na, errA := strconv.ParseInt(sa, 10, 64)
	nb, errB := strconv.ParseInt(sb, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return sa < sb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return sa < sb
	}
}

// Put writes an issue to <number>.json, replacing any previous snapshot.
func (s *Store) Put(issue *types.SourceIssue) error {
	number := issue.Number
	if number == "" {
		_, number = types.SplitID(issue.ID)
	}
	if number == "" {
		return fmt.Errorf("issue %q has no number", issue.ID)
	}
	return s.writeJSON(number+".json", issue)
}

// Get reads the snapshot for a number in project.
func (s *Store) Get(number string) (*types.SourceIssue, error) {
	return s.read(number + ".json")
}

// AddLink appends a link to an existing snapshot. A missing file is not an
// error: links may point at issues outside the exported range.
func (s *Store) AddLink(number string, link types.Link) error {
	issue, err := s.Get(number)
	if err != nil {
		if _, statErr := os.Stat(filepath.Join(s.Dir, number+".json")); os.IsNotExist(statErr) {
			return nil
		}
		return err
	}
	issue.Links = append(issue.Links, link)
	return s.Put(issue)
}

func (s *Store) writeJSON(name string, v interface{}) error {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("create issue directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := atomic.WriteFile(filepath.Join(s.Dir, name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
