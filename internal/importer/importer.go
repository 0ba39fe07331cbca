// Package importer implements the reconciling import: repeated sweeps over
// the issue snapshot that create Clubhouse epics and stories, resolve epic
// references through the ledger, and stop at a fixed point.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/ledger"
	"github.com/yt2ch/yt2ch/internal/mapper"
	"github.com/yt2ch/yt2ch/internal/telemetry"
)

const scope = "github.com/yt2ch/yt2ch/importer"

// Progress markers written once per handled issue.
const (
	MarkStory      = '.'
	MarkEpic       = '|'
	MarkUnreadable = '!'
	MarkDeferred   = '-'
)

// ErrNoProgress is wrapped by StuckError when a sweep neither created
// anything nor changed the deferred set.
var ErrNoProgress = errors.New("no progress resolving deferred issues")

// StuckError lists the deferred issues whose epic reference never resolved.
type StuckError struct {
	IDs []string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("%v: %d deferred issue(s): %s", ErrNoProgress, len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *StuckError) Unwrap() error {
	return ErrNoProgress
}

// Source enumerates the snapshot. *issuestore.Store implements it.
type Source interface {
	Enumerate() ([]issuestore.Entry, error)
}

// Destination creates records in Clubhouse. *clubhouse.Client implements it.
type Destination interface {
	Create(ctx context.Context, kind clubhouse.Kind, payload interface{}) (*clubhouse.Response, error)
}

// Result summarizes a run.
type Result struct {
	Sweeps     int
	Epics      int
	Stories    int
	Deferrals  int
	Downgrades int
	Reclaimed  int
	Failed     []string
	Unreadable int
	Skipped    int
}

// Importer runs the reconciling import. All collaborators are injected;
// the ledger is owned exclusively by the importer for the whole run.
type Importer struct {
	Source Source
	Mapper mapper.Classifier
	Ledger *ledger.Ledger
	Dest   Destination

	// Progress receives one marker byte per handled issue (optional).
	Progress io.Writer

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	// Per-run state. Issues whose create failed are not retried.
	failed     map[string]bool
	skipped    map[string]bool
	unreadable map[string]bool
}

// New returns an importer wired to its collaborators.
func New(source Source, m mapper.Classifier, l *ledger.Ledger, dest Destination) *Importer {
	return &Importer{
		Source: source,
		Mapper: m,
		Ledger: l,
		Dest:   dest,
	}
}

// sweepStats counts what one sweep changed.
type sweepStats struct {
	created int
}

// Run sweeps until every issue is imported or failed, or until a sweep
// makes no progress, in which case a *StuckError is returned. The ledger
// is saved after every mutation, so an interrupted run resumes where it
// stopped.
func (im *Importer) Run(ctx context.Context) (*Result, error) {
	ctx, span := telemetry.Tracer(scope).Start(ctx, "import.run")
	defer span.End()

	im.failed = make(map[string]bool)
	im.skipped = make(map[string]bool)
	im.unreadable = make(map[string]bool)
	result := &Result{}

	for {
		before := im.Ledger.DeferredCount()
		stats, err := im.sweep(ctx, result)
		result.Sweeps++
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		after := im.Ledger.DeferredCount()
		im.msg("Sweep %d: %d created, %d deferred", result.Sweeps, stats.created, after)
		if after == 0 {
			break
		}
		if after == before && stats.created == 0 {
			err := &StuckError{IDs: im.Ledger.DeferredIDs()}
			span.RecordError(err)
			span.SetStatus(codes.Error, "no progress")
			return result, err
		}
	}

	span.SetAttributes(
		attribute.Int("yt2ch.import.sweeps", result.Sweeps),
		attribute.Int("yt2ch.import.epics", result.Epics),
		attribute.Int("yt2ch.import.stories", result.Stories),
		attribute.Int("yt2ch.import.failed", len(result.Failed)),
	)
	return result, nil
}

func (im *Importer) sweep(ctx context.Context, result *Result) (sweepStats, error) {
	ctx, span := telemetry.Tracer(scope).Start(ctx, "import.sweep",
		trace.WithAttributes(attribute.Int("yt2ch.import.sweep", result.Sweeps+1)))
	defer span.End()

	var stats sweepStats
	entries, err := im.Source.Enumerate()
	if err != nil {
		return stats, fmt.Errorf("enumerate issues: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if entry.Err != nil {
			im.mark(MarkUnreadable)
			if !im.unreadable[entry.Name] {
				im.unreadable[entry.Name] = true
				result.Unreadable++
			}
			continue
		}

		id := entry.Issue.ID
		if _, done := im.Ledger.Lookup(id); done || im.failed[id] || im.skipped[id] {
			continue
		}

		rec, err := im.Mapper.Classify(entry.Issue)
		if err != nil {
			im.fail(result, id, fmt.Sprintf("Error mapping %s: %v", id, err))
			continue
		}
		if rec == nil {
			im.skipped[id] = true
			result.Skipped++
			continue
		}

		var created bool
		switch rec.Kind {
		case mapper.KindEpic:
			created, err = im.importEpic(ctx, result, id, rec)
		case mapper.KindStory:
			created, err = im.importStory(ctx, result, id, rec)
		default:
			im.fail(result, id, fmt.Sprintf("Error mapping %s: unknown record kind %q", id, rec.Kind))
		}
		if err != nil {
			return stats, err
		}
		if created {
			stats.created++
		}
	}
	return stats, nil
}

func (im *Importer) importEpic(ctx context.Context, result *Result, id string, rec *mapper.Record) (bool, error) {
	destID, ok := im.create(ctx, result, id, clubhouse.KindEpic, rec.Epic)
	if !ok {
		return false, nil
	}

	if err := im.Ledger.RecordImport(id, ledger.KindEpic, destID); err != nil {
		return false, err
	}
	for _, child := range rec.Children {
		if replaced, previous := im.Ledger.ClaimChild(child, destID); replaced {
			result.Reclaimed++
			im.warn("%s is claimed by epic %d, replacing epic %d", child, destID, previous)
		}
	}
	if err := im.checkpoint(); err != nil {
		return false, err
	}

	result.Epics++
	im.count(ctx, clubhouse.KindEpic)
	im.mark(MarkEpic)
	return true, nil
}

func (im *Importer) importStory(ctx context.Context, result *Result, id string, rec *mapper.Record) (bool, error) {
	epicID, deferred, err := im.resolveEpic(ctx, result, id, rec.EpicRef)
	if err != nil || deferred {
		return false, err
	}

	story := *rec.Story
	story.EpicID = epicID

	destID, ok := im.create(ctx, result, id, clubhouse.KindStory, &story)
	if !ok {
		if im.Ledger.IsDeferred(id) {
			im.Ledger.Undefer(id)
			if err := im.checkpoint(); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if err := im.Ledger.RecordImport(id, ledger.KindStory, destID); err != nil {
		return false, err
	}
	if err := im.checkpoint(); err != nil {
		return false, err
	}

	result.Stories++
	im.count(ctx, clubhouse.KindStory)
	im.mark(MarkStory)
	return true, nil
}

// resolveEpic turns a story's epic reference into a Clubhouse epic ID. A
// forward reference to an issue not yet imported defers the story.
func (im *Importer) resolveEpic(ctx context.Context, result *Result, id string, ref mapper.EpicRef) (*int64, bool, error) {
	switch ref.Kind {
	case mapper.RefEpicID:
		epicID := ref.EpicID
		return &epicID, false, nil

	case mapper.RefForward:
		entry, ok := im.Ledger.Lookup(ref.SourceID)
		if !ok {
			result.Deferrals++
			im.mark(MarkDeferred)
			add(ctx, deferralCounter())
			if im.Ledger.IsDeferred(id) {
				return nil, true, nil
			}
			im.Ledger.Defer(id)
			return nil, true, im.checkpoint()
		}
		if entry.Kind != ledger.KindEpic {
			result.Downgrades++
			im.msg("%s references %s, which was imported as a %s; importing without an epic", id, ref.SourceID, entry.Kind)
			return nil, false, nil
		}
		epicID := entry.DestinationID
		return &epicID, false, nil

	default:
		if epicID, ok := im.Ledger.EpicFor(id); ok {
			return &epicID, false, nil
		}
		return nil, false, nil
	}
}

// create posts a payload and returns the new destination ID. Any failure
// is reported and remembered so the issue is not retried this run.
func (im *Importer) create(ctx context.Context, result *Result, id string, kind clubhouse.Kind, payload interface{}) (int64, bool) {
	resp, err := im.Dest.Create(ctx, kind, payload)
	if err != nil {
		im.fail(result, id, fmt.Sprintf("Error importing %s: %v", id, err))
		return 0, false
	}
	if !resp.Created() {
		im.fail(result, id, fmt.Sprintf("Error importing %s: %s\n%s", id, resp.Status, string(resp.Body)))
		return 0, false
	}
	destID, err := resp.ID()
	if err != nil {
		im.fail(result, id, fmt.Sprintf("Error importing %s: created but %v", id, err))
		return 0, false
	}
	return destID, true
}

func (im *Importer) fail(result *Result, id, message string) {
	im.failed[id] = true
	result.Failed = append(result.Failed, id)
	add(context.Background(), failureCounter())
	if im.OnWarning != nil {
		im.OnWarning(message)
	}
}

// checkpoint persists the ledger. A failed save stops the run: progress
// that cannot be recorded must not continue.
func (im *Importer) checkpoint() error {
	if err := im.Ledger.Save(); err != nil {
		return fmt.Errorf("checkpoint ledger: %w", err)
	}
	return nil
}

func (im *Importer) mark(marker byte) {
	if im.Progress != nil {
		_, _ = im.Progress.Write([]byte{marker})
	}
}

func (im *Importer) msg(format string, args ...interface{}) {
	if im.OnMessage != nil {
		im.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (im *Importer) warn(format string, args ...interface{}) {
	if im.OnWarning != nil {
		im.OnWarning(fmt.Sprintf(format, args...))
	}
}

func (im *Importer) count(ctx context.Context, kind clubhouse.Kind) {
	add(ctx, createdCounter(), metric.WithAttributes(attribute.String("kind", string(kind))))
}

func add(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opts...)
	}
}

// importMetrics holds lazily-initialized OTel instruments.
var importMetrics struct {
	created  metric.Int64Counter
	deferred metric.Int64Counter
	failed   metric.Int64Counter
}

var importMetricsOnce sync.Once

func initImportMetrics() {
	m := telemetry.Meter(scope)
	importMetrics.created, _ = m.Int64Counter("yt2ch.import.created",
		metric.WithDescription("Clubhouse records created"),
		metric.WithUnit("{record}"),
	)
	importMetrics.deferred, _ = m.Int64Counter("yt2ch.import.deferred",
		metric.WithDescription("Stories deferred on an unresolved epic reference"),
		metric.WithUnit("{issue}"),
	)
	importMetrics.failed, _ = m.Int64Counter("yt2ch.import.failed",
		metric.WithDescription("Issues whose create call failed"),
		metric.WithUnit("{issue}"),
	)
}

func createdCounter() metric.Int64Counter {
	importMetricsOnce.Do(initImportMetrics)
	return importMetrics.created
}

func deferralCounter() metric.Int64Counter {
	importMetricsOnce.Do(initImportMetrics)
	return importMetrics.deferred
}

func failureCounter() metric.Int64Counter {
	importMetricsOnce.Do(initImportMetrics)
	return importMetrics.failed
}
