package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yt2ch/yt2ch/internal/config"
	"github.com/yt2ch/yt2ch/internal/debug"
	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/ui"
	"github.com/yt2ch/yt2ch/internal/youtrack"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a YouTrack project into the local snapshot",
	Long: `Exports every issue of the configured YouTrack project, one JSON file per
issue under <data-dir>/youtrack-issues, then attaches issue links and writes
the yt-values.json aggregate that init-mapper reads.

Re-running overwrites the snapshot files.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := config.Load()
		if err := s.Validate(config.KeyYouTrackURL, config.KeyYouTrackToken, config.KeyYouTrackProject); err != nil {
			FatalError("%v", err)
		}
		if err := runDownload(getRootContext(), s, youtrack.NewClient(s.YouTrackURL, s.YouTrackToken)); err != nil {
			FatalError("%v", err)
		}
	},
}

func runDownload(ctx context.Context, s *config.Settings, api youtrack.Exporter) error {
	store := issuestore.New(s.IssueDir())
	d := &youtrack.Downloader{
		API:       api,
		Store:     store,
		Project:   s.YouTrackProject,
		Progress:  debug.Progress(),
		OnMessage: func(msg string) { debug.PrintNormal("%s\n", msg) },
	}

	debug.Logf("Downloading %s into %s\n", s.YouTrackProject, store.Dir)
	result, err := d.Run(ctx)
	if err != nil {
		return fmt.Errorf("download %s: %w", s.YouTrackProject, err)
	}

	debug.PrintNormal("%s Downloaded %d issues and %d links\n", ui.RenderPass(ui.IconPass), result.Issues, result.Links)
	debug.PrintNormal("%s\n", ui.Field("Users", len(result.Values.Usernames)))
	debug.PrintNormal("%s\n", ui.Field("Types", len(result.Values.IssueTypes)))
	debug.PrintNormal("%s\n", ui.Field("States", len(result.Values.IssueStates)))
	return nil
}
