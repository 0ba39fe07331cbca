package mapper

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// TableFile is the lookup table's file name inside the config directory.
const TableFile = "mapper.yaml"

// DefaultEstimateField is the YouTrack custom field read as the estimate.
const DefaultEstimateField = "Points"

// Story types accepted by Clubhouse.
const (
	StoryFeature = "feature"
	StoryBug     = "bug"
	StoryChore   = "chore"
)

var (
	// ErrNoTable is returned when the lookup table has not been generated.
	ErrNoTable = errors.New("mapper table not found")

	// ErrTableExists is returned when generating over an existing table.
	ErrTableExists = errors.New("mapper table already exists")
)

// Table is the data-driven lookup table consumed by the Mapper: source
// usernames to Clubhouse member IDs, source type tags to story types and
// source states to workflow state IDs. Keys are matched case-insensitively.
type Table struct {
	ProjectID     int64             `yaml:"project_id"`
	YouTrackURL   string            `yaml:"youtrack_url"`
	EstimateField string            `yaml:"estimate_field,omitempty"`
	EpicField     string            `yaml:"epic_field,omitempty"`
	Users         UserTable         `yaml:"users"`
	Types         map[string]string `yaml:"types"`
	States        map[string]*int64 `yaml:"states"`
}

// UserTable maps usernames to member UUIDs. Fallback is used for any
// username that has no entry.
type UserTable struct {
	Fallback string            `yaml:"fallback"`
	Map      map[string]string `yaml:"map"`
}

// LoadTable reads and validates the table at path. A missing file yields
// ErrNoTable.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read mapper table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse mapper table %s: %w", path, err)
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapper table %s: %w", path, err)
	}
	return &t, nil
}

// normalize lowercases lookup keys and fills defaults.
func (t *Table) normalize() {
	if t.EstimateField == "" {
		t.EstimateField = DefaultEstimateField
	}
	t.YouTrackURL = strings.TrimSuffix(t.YouTrackURL, "/")
	t.Users.Map = lowerKeys(t.Users.Map)
	t.Types = lowerKeys(t.Types)

	states := make(map[string]*int64, len(t.States))
	for k, v := range t.States {
		states[strings.ToLower(k)] = v
	}
	t.States = states
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Validate checks the invariants the Mapper relies on.
func (t *Table) Validate() error {
	var errs []error
	if t.ProjectID <= 0 {
		errs = append(errs, fmt.Errorf("project_id must be a positive Clubhouse project id"))
	}
	if t.Users.Fallback == "" {
		errs = append(errs, fmt.Errorf("users.fallback is required"))
	} else if _, err := uuid.Parse(t.Users.Fallback); err != nil {
		errs = append(errs, fmt.Errorf("users.fallback %q is not a member UUID", t.Users.Fallback))
	}
	for _, name := range sortedKeys(t.Users.Map) {
		if _, err := uuid.Parse(t.Users.Map[name]); err != nil {
			errs = append(errs, fmt.Errorf("users.map[%s] %q is not a member UUID", name, t.Users.Map[name]))
		}
	}
	for _, tag := range sortedKeys(t.Types) {
		switch t.Types[tag] {
		case StoryFeature, StoryBug, StoryChore:
		default:
			errs = append(errs, fmt.Errorf("types[%s] %q must be feature, bug or chore", tag, t.Types[tag]))
		}
	}
	return errors.Join(errs...)
}

// FindUser resolves a username to a member ID. Unknown names resolve to
// the fallback; an empty name resolves to "".
func (t *Table) FindUser(name string) string {
	if name == "" {
		return ""
	}
	if id, ok := t.Users.Map[strings.ToLower(name)]; ok && id != "" {
		return id
	}
	return t.Users.Fallback
}

// FindUsers resolves a list of usernames, dropping duplicates while
// keeping first-seen order.
func (t *Table) FindUsers(names []string) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		id := t.FindUser(name)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// StoryType maps a source type tag to a story type, defaulting to chore.
func (t *Table) StoryType(tag string) string {
	if v, ok := t.Types[strings.ToLower(tag)]; ok && v != "" {
		return v
	}
	return StoryChore
}

// WorkflowState maps a source state to a workflow state ID. Nil means the
// destination default applies.
func (t *Table) WorkflowState(state string) *int64 {
	if state == "" {
		return nil
	}
	id, ok := t.States[strings.ToLower(state)]
	if !ok || id == nil {
		return nil
	}
	v := *id
	return &v
}

// WriteTable saves t to path. An existing file is never overwritten.
func WriteTable(path string, t *Table) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrTableExists, path)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode mapper table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write mapper table: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
