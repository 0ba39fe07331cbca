package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/ledger"
	"github.com/yt2ch/yt2ch/internal/mapper"
	"github.com/yt2ch/yt2ch/internal/types"
)

// fakeSource serves a fixed enumeration.
type fakeSource struct {
	entries []issuestore.Entry
}

func (s *fakeSource) Enumerate() ([]issuestore.Entry, error) {
	return s.entries, nil
}

func sourceOf(ids ...string) *fakeSource {
	s := &fakeSource{}
	for _, id := range ids {
		_, number := types.SplitID(id)
		s.entries = append(s.entries, issuestore.Entry{
			Name:  number + ".json",
			Issue: &types.SourceIssue{ID: id, ProjectID: "PRJ", Number: number},
		})
	}
	return s
}

// stubClassifier returns canned records by source ID.
type stubClassifier map[string]*mapper.Record

func (c stubClassifier) Classify(issue *types.SourceIssue) (*mapper.Record, error) {
	return c[issue.ID], nil
}

func epicRecord(id string, children ...string) *mapper.Record {
	return &mapper.Record{
		Kind:     mapper.KindEpic,
		Epic:     &clubhouse.EpicParams{Name: id, ExternalID: id},
		Children: children,
	}
}

func storyRecord(id, ref string) *mapper.Record {
	parsed, err := mapper.ParseEpicRef(ref)
	if err != nil {
		panic(err)
	}
	return &mapper.Record{
		Kind:    mapper.KindStory,
		Story:   &clubhouse.StoryParams{Name: id, ExternalID: id},
		EpicRef: parsed,
	}
}

type createCall struct {
	Kind       clubhouse.Kind
	ExternalID string
	EpicID     *int64
}

// fakeDestination hands out sequential IDs starting at 100 and fails any
// external ID listed in failures.
type fakeDestination struct {
	nextID   int64
	calls    []createCall
	failures map[string]int
	onCreate func(call createCall)
}

func (d *fakeDestination) Create(ctx context.Context, kind clubhouse.Kind, payload interface{}) (*clubhouse.Response, error) {
	call := createCall{Kind: kind}
	switch p := payload.(type) {
	case *clubhouse.EpicParams:
		call.ExternalID = p.ExternalID
	case *clubhouse.StoryParams:
		call.ExternalID = p.ExternalID
		call.EpicID = p.EpicID
	default:
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}
	d.calls = append(d.calls, call)
	if d.onCreate != nil {
		d.onCreate(call)
	}

	if status, ok := d.failures[call.ExternalID]; ok {
		return &clubhouse.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d Unprocessable Entity", status),
			Body:       []byte(`{"message": "rejected"}`),
		}, nil
	}
	if d.nextID == 0 {
		d.nextID = 100
	}
	id := d.nextID
	d.nextID++
	return &clubhouse.Response{
		StatusCode: 201,
		Status:     "201 Created",
		Body:       []byte(fmt.Sprintf(`{"id": %d}`, id)),
	}, nil
}

func (d *fakeDestination) callsFor(externalID string) []createCall {
	var out []createCall
	for _, c := range d.calls {
		if c.ExternalID == externalID {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	importer *Importer
	dest     *fakeDestination
	ledger   *ledger.Ledger
	progress *bytes.Buffer
	warnings []string
	path     string
}

func newHarness(t *testing.T, source Source, classifier mapper.Classifier) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), ledger.FileName)
	l, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	h := &harness{
		dest:     &fakeDestination{},
		ledger:   l,
		progress: &bytes.Buffer{},
		path:     path,
	}
	h.importer = New(source, classifier, l, h.dest)
	h.importer.Progress = h.progress
	h.importer.OnWarning = func(msg string) { h.warnings = append(h.warnings, msg) }
	return h
}

func TestEpicClaimsSubtaskChild(t *testing.T) {
	table := &mapper.Table{
		ProjectID:   42,
		YouTrackURL: "https://yt.example.com",
		Users:       mapper.UserTable{Fallback: "5b0e6a1c-0000-4000-8000-0000000000ff"},
	}
	m := mapper.New(table)
	m.Now = func() time.Time { return time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC) }

	source := &fakeSource{entries: []issuestore.Entry{
		{Name: "5.json", Issue: &types.SourceIssue{
			ID: "PRJ-5", ProjectID: "PRJ", Number: "5", Type: types.TypeEpic,
			Links: []types.Link{{Type: types.LinkSubtask, IssueID: "6"}},
		}},
		{Name: "6.json", Issue: &types.SourceIssue{ID: "PRJ-6", ProjectID: "PRJ", Number: "6", Type: "Task"}},
	}}
	h := newHarness(t, source, m)

	var claimSeen int64
	h.dest.onCreate = func(call createCall) {
		if call.ExternalID == "PRJ-6" {
			claimSeen, _ = h.ledger.EpicFor("PRJ-6")
		}
	}

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if claimSeen != 100 {
		t.Errorf("epicMap[PRJ-6] before story create = %d, want 100", claimSeen)
	}
	story := h.dest.callsFor("PRJ-6")
	if len(story) != 1 || story[0].EpicID == nil || *story[0].EpicID != 100 {
		t.Fatalf("story call = %+v, want epic 100", story)
	}
	if _, ok := h.ledger.EpicFor("PRJ-6"); ok {
		t.Error("epicMap entry should be cleared once PRJ-6 is imported")
	}
	if result.Epics != 1 || result.Stories != 1 || result.Sweeps != 1 {
		t.Errorf("result = %+v", result)
	}
	if got := h.progress.String(); got != "|." {
		t.Errorf("progress = %q, want %q", got, "|.")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	source := sourceOf("PRJ-1", "PRJ-2")
	classifier := stubClassifier{
		"PRJ-1": epicRecord("PRJ-1", "PRJ-2"),
		"PRJ-2": storyRecord("PRJ-2", ""),
	}
	h := newHarness(t, source, classifier)
	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if len(h.dest.calls) != 2 {
		t.Fatalf("first run calls = %d, want 2", len(h.dest.calls))
	}

	// A fresh importer over the reloaded ledger models a second invocation.
	reloaded, err := ledger.Open(h.path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	dest := &fakeDestination{}
	second := New(source, classifier, reloaded, dest)
	result, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(dest.calls) != 0 {
		t.Errorf("second run made %d create calls, want 0", len(dest.calls))
	}
	if result.Epics+result.Stories != 0 {
		t.Errorf("second run result = %+v", result)
	}
}

func TestForwardReferenceResolution(t *testing.T) {
	tests := []struct {
		name       string
		order      []string
		preloaded  map[string]int64
		wantEpic   int64
		wantSweeps int
		wantMarks  string
	}{
		{
			name:       "epic earlier in the same sweep",
			order:      []string{"PRJ-1", "PRJ-2"},
			wantEpic:   100,
			wantSweeps: 1,
			wantMarks:  "|.",
		},
		{
			name:       "epic later in the sweep",
			order:      []string{"PRJ-2", "PRJ-1"},
			wantEpic:   100,
			wantSweeps: 2,
			wantMarks:  "-|.",
		},
		{
			name:       "epic from an earlier run",
			order:      []string{"PRJ-1", "PRJ-2"},
			preloaded:  map[string]int64{"PRJ-1": 77},
			wantEpic:   77,
			wantSweeps: 1,
			wantMarks:  ".",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := stubClassifier{
				"PRJ-1": epicRecord("PRJ-1"),
				"PRJ-2": storyRecord("PRJ-2", "YT:PRJ-1"),
			}
			h := newHarness(t, sourceOf(tt.order...), classifier)
			for id, dest := range tt.preloaded {
				if err := h.ledger.RecordImport(id, ledger.KindEpic, dest); err != nil {
					t.Fatal(err)
				}
			}

			result, err := h.importer.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			calls := h.dest.callsFor("PRJ-2")
			if len(calls) != 1 {
				t.Fatalf("PRJ-2 create calls = %d, want 1 (deferral must not call the API)", len(calls))
			}
			if calls[0].EpicID == nil || *calls[0].EpicID != tt.wantEpic {
				t.Errorf("EpicID = %v, want %d", calls[0].EpicID, tt.wantEpic)
			}
			if result.Sweeps != tt.wantSweeps {
				t.Errorf("Sweeps = %d, want %d", result.Sweeps, tt.wantSweeps)
			}
			if got := h.progress.String(); got != tt.wantMarks {
				t.Errorf("progress = %q, want %q", got, tt.wantMarks)
			}
			if h.ledger.DeferredCount() != 0 {
				t.Errorf("deferred = %v, want empty", h.ledger.DeferredIDs())
			}
		})
	}
}

func TestForwardReferenceToStoryDowngrades(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", ""),
		"PRJ-2": storyRecord("PRJ-2", "YT:PRJ-1"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2"), classifier)

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := h.dest.callsFor("PRJ-2")
	if len(calls) != 1 || calls[0].EpicID != nil {
		t.Fatalf("PRJ-2 calls = %+v, want one call without epic", calls)
	}
	if result.Downgrades != 1 {
		t.Errorf("Downgrades = %d, want 1", result.Downgrades)
	}
	if entry, ok := h.ledger.Lookup("PRJ-2"); !ok || entry.Kind != ledger.KindStory {
		t.Errorf("PRJ-2 ledger entry = %+v, %v", entry, ok)
	}
}

func TestLiteralEpicReference(t *testing.T) {
	classifier := stubClassifier{"PRJ-1": storyRecord("PRJ-1", "555")}
	h := newHarness(t, sourceOf("PRJ-1"), classifier)

	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls := h.dest.callsFor("PRJ-1"); len(calls) != 1 || calls[0].EpicID == nil || *calls[0].EpicID != 555 {
		t.Errorf("calls = %+v, want literal epic 555", calls)
	}
}

func TestMutualForwardReferenceAborts(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", "YT:PRJ-2"),
		"PRJ-2": storyRecord("PRJ-2", "YT:PRJ-1"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2"), classifier)

	result, err := h.importer.Run(context.Background())
	if !errors.Is(err, ErrNoProgress) {
		t.Fatalf("Run() error = %v, want ErrNoProgress", err)
	}
	var stuck *StuckError
	if !errors.As(err, &stuck) {
		t.Fatalf("error %T is not *StuckError", err)
	}
	if !reflect.DeepEqual(stuck.IDs, []string{"PRJ-1", "PRJ-2"}) {
		t.Errorf("stuck IDs = %v, want [PRJ-1 PRJ-2]", stuck.IDs)
	}
	// The first sweep defers both, the second changes nothing.
	if result.Sweeps != 2 {
		t.Errorf("Sweeps = %d, want 2", result.Sweeps)
	}
	if len(h.dest.calls) != 0 {
		t.Errorf("create calls = %d, want 0", len(h.dest.calls))
	}

	onDisk, err := ledger.Open(h.path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	if !reflect.DeepEqual(onDisk.DeferredIDs(), []string{"PRJ-1", "PRJ-2"}) {
		t.Errorf("persisted deferred = %v", onDisk.DeferredIDs())
	}
}

func TestResumedDeferralResolvesOnNextSweep(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", "YT:PRJ-2"),
		"PRJ-2": epicRecord("PRJ-2"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2"), classifier)
	h.ledger.Defer("PRJ-1")

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, a sweep that created the epic must not abort", err)
	}
	// The first sweep keeps PRJ-1 deferred but creates PRJ-2.
	if result.Sweeps != 2 {
		t.Errorf("Sweeps = %d, want 2", result.Sweeps)
	}
	if result.Stories != 1 || result.Epics != 1 {
		t.Errorf("result = %+v, want 1 epic and 1 story", result)
	}
	calls := h.dest.callsFor("PRJ-1")
	if len(calls) != 1 || calls[0].EpicID == nil || *calls[0].EpicID != 100 {
		t.Errorf("PRJ-1 calls = %+v, want one create under epic 100", calls)
	}
	if got := h.progress.String(); got != "-|." {
		t.Errorf("progress = %q, want %q", got, "-|.")
	}
	if h.ledger.DeferredCount() != 0 {
		t.Errorf("deferred = %v, want empty", h.ledger.DeferredIDs())
	}
}

func TestFailedCreateIsReportedAndNotRetried(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", ""),
		"PRJ-2": storyRecord("PRJ-2", "YT:PRJ-3"),
		"PRJ-3": epicRecord("PRJ-3"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2", "PRJ-3"), classifier)
	h.dest.failures = map[string]int{"PRJ-1": 422}

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Sweeps != 2 {
		t.Errorf("Sweeps = %d, want 2", result.Sweeps)
	}
	if n := len(h.dest.callsFor("PRJ-1")); n != 1 {
		t.Errorf("PRJ-1 create calls = %d, want 1", n)
	}
	if !reflect.DeepEqual(result.Failed, []string{"PRJ-1"}) {
		t.Errorf("Failed = %v, want [PRJ-1]", result.Failed)
	}
	if _, ok := h.ledger.Lookup("PRJ-1"); ok {
		t.Error("failed issue must not be recorded")
	}
	if h.ledger.IsDeferred("PRJ-1") {
		t.Error("failed issue must not be deferred")
	}
	if len(h.warnings) != 1 || !strings.Contains(h.warnings[0], "Error importing PRJ-1") ||
		!strings.Contains(h.warnings[0], `{"message": "rejected"}`) {
		t.Errorf("warnings = %q, want the response body echoed", h.warnings)
	}
}

func TestFailedEpicLeavesDependentsStuck(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": epicRecord("PRJ-1"),
		"PRJ-2": storyRecord("PRJ-2", "YT:PRJ-1"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2"), classifier)
	h.dest.failures = map[string]int{"PRJ-1": 400}

	_, err := h.importer.Run(context.Background())
	var stuck *StuckError
	if !errors.As(err, &stuck) {
		t.Fatalf("Run() error = %v, want *StuckError", err)
	}
	if !reflect.DeepEqual(stuck.IDs, []string{"PRJ-2"}) {
		t.Errorf("stuck IDs = %v, want [PRJ-2]", stuck.IDs)
	}
	if n := len(h.dest.callsFor("PRJ-1")); n != 1 {
		t.Errorf("epic create calls = %d, want 1", n)
	}
}

func TestFailedDeferredStoryLeavesDeferredSet(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", "YT:PRJ-2"),
		"PRJ-2": epicRecord("PRJ-2"),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2"), classifier)
	h.dest.failures = map[string]int{"PRJ-1": 500}

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.ledger.DeferredCount() != 0 {
		t.Errorf("deferred = %v, want empty", h.ledger.DeferredIDs())
	}
	if !reflect.DeepEqual(result.Failed, []string{"PRJ-1"}) {
		t.Errorf("Failed = %v", result.Failed)
	}
}

// When two epics claim the same child the later claim silently replaces
// the earlier one in the ledger. The replacement is surfaced as a warning.
func TestMultipleEpicsClaimingOneChildLastWriterWins(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": epicRecord("PRJ-1", "PRJ-3"),
		"PRJ-2": epicRecord("PRJ-2", "PRJ-3"),
		"PRJ-3": storyRecord("PRJ-3", ""),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2", "PRJ-3"), classifier)

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := h.dest.callsFor("PRJ-3")
	if len(calls) != 1 || calls[0].EpicID == nil || *calls[0].EpicID != 101 {
		t.Fatalf("PRJ-3 calls = %+v, want epic 101 (the second epic)", calls)
	}
	if result.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", result.Reclaimed)
	}
	if len(h.warnings) != 1 || !strings.Contains(h.warnings[0], "PRJ-3") {
		t.Errorf("warnings = %q, want one replacement warning", h.warnings)
	}
}

func TestCheckpointAfterEveryCreate(t *testing.T) {
	classifier := stubClassifier{
		"PRJ-1": epicRecord("PRJ-1"),
		"PRJ-2": storyRecord("PRJ-2", ""),
		"PRJ-3": storyRecord("PRJ-3", ""),
	}
	h := newHarness(t, sourceOf("PRJ-1", "PRJ-2", "PRJ-3"), classifier)

	var persisted []int
	h.dest.onCreate = func(createCall) {
		if _, err := os.Stat(h.path); os.IsNotExist(err) {
			persisted = append(persisted, 0)
			return
		}
		onDisk, err := ledger.Open(h.path)
		if err != nil {
			t.Errorf("ledger unreadable mid-run: %v", err)
			return
		}
		persisted = append(persisted, len(onDisk.Issues))
	}

	if _, err := h.importer.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(persisted, []int{0, 1, 2}) {
		t.Errorf("issues on disk before each create = %v, want [0 1 2]", persisted)
	}
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	l, err := ledger.Open(filepath.Join(blocker, ledger.FileName))
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	// A regular file where the ledger directory should be makes Save fail.
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	dest := &fakeDestination{}
	classifier := stubClassifier{
		"PRJ-1": storyRecord("PRJ-1", ""),
		"PRJ-2": storyRecord("PRJ-2", ""),
	}
	im := New(sourceOf("PRJ-1", "PRJ-2"), classifier, l, dest)

	if _, err := im.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the ledger cannot be saved")
	}
	if len(dest.calls) != 1 {
		t.Errorf("create calls = %d, want 1 (stop after the failed checkpoint)", len(dest.calls))
	}
}

func TestUnreadableAndSkippedEntries(t *testing.T) {
	source := sourceOf("PRJ-2", "PRJ-3")
	source.entries = append([]issuestore.Entry{{Name: "1.json", Err: issuestore.ErrMalformed}}, source.entries...)
	classifier := stubClassifier{"PRJ-3": storyRecord("PRJ-3", "")}
	h := newHarness(t, source, classifier)

	result, err := h.importer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Unreadable != 1 || result.Skipped != 1 || result.Stories != 1 {
		t.Errorf("result = %+v", result)
	}
	if got := h.progress.String(); got != "!." {
		t.Errorf("progress = %q, want %q", got, "!.")
	}
	if len(h.dest.callsFor("PRJ-2")) != 0 {
		t.Error("skipped issue must not be created")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	classifier := stubClassifier{"PRJ-1": storyRecord("PRJ-1", "")}
	h := newHarness(t, sourceOf("PRJ-1"), classifier)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.importer.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(h.dest.calls) != 0 {
		t.Errorf("create calls = %d, want 0", len(h.dest.calls))
	}
}

func TestStuckErrorMessage(t *testing.T) {
	err := &StuckError{IDs: []string{"PRJ-1", "PRJ-2"}}
	if !strings.Contains(err.Error(), "PRJ-1, PRJ-2") {
		t.Errorf("Error() = %q", err.Error())
	}
}
