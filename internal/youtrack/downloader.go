package youtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/types"
)

const (
	// IssuePageSize is the number of issues requested per export page.
	IssuePageSize = 500

	// LinkPageSize is large because the links export ignores after.
	LinkPageSize = 20000

	draftID = "Draft"
)

// Exporter is the part of the YouTrack API the downloader needs.
type Exporter interface {
	ExportIssues(ctx context.Context, project string, max, after int) ([]RawIssue, error)
	ExportLinks(ctx context.Context, max, after int) ([]RawLink, error)
}

// Downloader writes a project's issues and links to an issue store and
// records the usernames, types and states it saw.
type Downloader struct {
	API     Exporter
	Store   *issuestore.Store
	Project string

	PageSize int

	// Progress receives ">" per request and "." per item (optional).
	Progress  io.Writer
	OnMessage func(msg string)
}

// DownloadResult summarizes a download.
type DownloadResult struct {
	Issues int
	Links  int
	Values *issuestore.Values
}

// Run downloads every page of issues, then the links, then writes the
// aggregate values file.
func (d *Downloader) Run(ctx context.Context) (*DownloadResult, error) {
	pageSize := d.PageSize
	if pageSize <= 0 {
		pageSize = IssuePageSize
	}
	result := &DownloadResult{Values: issuestore.NewValues()}

	d.msg("Issues ...")
	for page := 0; ; page++ {
		d.mark(">")
		raws, err := d.API.ExportIssues(ctx, d.Project, pageSize, page*pageSize)
		if err != nil {
			return result, fmt.Errorf("export issues page %d: %w", page, err)
		}
		d.mark(">")

		for _, raw := range raws {
			issue, err := ToIssue(raw, d.Project)
			if err != nil {
				return result, err
			}
			if err := d.Store.Put(issue); err != nil {
				return result, err
			}
			result.Values.Observe(issue)
			result.Issues++
			d.mark(".")
		}
		d.mark("\n")

		if len(raws) < pageSize {
			break
		}
	}

	d.msg("Links ...")
	d.mark(">")
	links, err := d.API.ExportLinks(ctx, LinkPageSize, 0)
	if err != nil {
		return result, fmt.Errorf("export links: %w", err)
	}
	d.mark(">")
	for _, link := range links {
		if link.Source == draftID || link.Target == draftID {
			continue
		}
		_, source := types.SplitID(link.Source)
		_, target := types.SplitID(link.Target)
		if err := d.Store.AddLink(source, types.Link{Type: link.TypeName, IssueID: target}); err != nil {
			return result, err
		}
		result.Links++
		d.mark(".")
	}
	d.mark("\n")
	if len(links) == LinkPageSize {
		d.msg("Warning: link export returned a full page; links beyond %d were not downloaded", LinkPageSize)
	}

	if err := d.Store.WriteValues(result.Values); err != nil {
		return result, err
	}
	return result, nil
}

// ToIssue flattens an exported issue into the snapshot record. Fields
// with at most one value collapse to that value, except Assignee, which
// stays a list.
func ToIssue(raw RawIssue, project string) (*types.SourceIssue, error) {
	doc := make(map[string]interface{}, len(raw.Fields)+4)
	for _, f := range raw.Fields {
		value, err := fieldValue(f)
		if err != nil {
			return nil, fmt.Errorf("issue %s field %s: %w", raw.ID, f.Name, err)
		}
		if list, ok := value.([]interface{}); ok && len(list) <= 1 && f.Name != "Assignee" {
			if len(list) == 0 {
				value = nil
			} else {
				value = list[0]
			}
		}
		doc[f.Name] = value
	}

	comments := make([]map[string]interface{}, 0, len(raw.Comment))
	for _, c := range raw.Comment {
		comments = append(comments, map[string]interface{}{
			"author":  c.Author,
			"text":    c.Text,
			"created": c.Created,
		})
	}
	doc["comments"] = comments
	doc["issueLinks"] = []types.Link{}

	number, _ := doc["numberInProject"].(string)
	if number == "" {
		_, number = types.SplitID(raw.ID)
		doc["numberInProject"] = number
	}
	doc["id"] = project + "-" + number
	doc["projectId"] = project

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var issue types.SourceIssue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("issue %s: %w", raw.ID, err)
	}
	return &issue, nil
}

// fieldValue decodes a field's value. List elements that are objects
// ({"value": ...}) are reduced to their value.
func fieldValue(f FieldValue) (interface{}, error) {
	raw := f.Values
	if len(raw) == 0 {
		raw = f.Value
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return v, nil
	}
	for i, item := range list {
		if obj, ok := item.(map[string]interface{}); ok {
			list[i] = obj["value"]
		}
	}
	return list, nil
}

func (d *Downloader) mark(s string) {
	if d.Progress != nil {
		_, _ = io.WriteString(d.Progress, s)
	}
}

func (d *Downloader) msg(format string, args ...interface{}) {
	if d.OnMessage != nil {
		d.OnMessage(fmt.Sprintf(format, args...))
	}
}
