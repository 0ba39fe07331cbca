package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
	"github.com/yt2ch/yt2ch/internal/config"
	"github.com/yt2ch/yt2ch/internal/debug"
	"github.com/yt2ch/yt2ch/internal/importer"
	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/ledger"
	"github.com/yt2ch/yt2ch/internal/mapper"
	"github.com/yt2ch/yt2ch/internal/ui"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the snapshot into Clubhouse",
	Long: `Creates a Clubhouse epic or story for every snapshot issue not yet in the
import ledger. Stories whose epic is not imported yet are deferred and retried
on the next sweep; sweeps repeat until nothing is deferred.

Progress markers:
  |  epic created
  .  story created
  -  story deferred
  !  unreadable snapshot file

The ledger is saved after every create, so an interrupted import can simply
be re-run.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := config.Load()
		ch := clubhouse.NewClient(s.ClubhouseToken)
		if s.ClubhouseEndpoint != "" {
			ch = ch.WithEndpoint(s.ClubhouseEndpoint)
		}

		result, err := runImport(getRootContext(), s, ch)
		var stuck *importer.StuckError
		switch {
		case errors.Is(err, mapper.ErrNoTable):
			FatalErrorWithHint(err.Error(), fmt.Sprintf(
				"Run 'yt2ch init-mapper' to generate %s, review it, then re-run import", s.TablePath()))
		case errors.As(err, &stuck):
			printImportSummary(result)
			fmt.Fprintln(os.Stderr, ui.Banner(
				ui.RenderFail("There are deferred issues that have no proper relationship"),
				"Issue IDs: "+strings.Join(stuck.IDs, ", "),
				"Aborting deferred loop.",
			))
			os.Exit(1)
		case err != nil:
			if result != nil {
				printImportSummary(result)
			}
			FatalError("%v", err)
		}
		printImportSummary(result)
	},
}

// runImport checks for the lookup table before the token, so a fresh
// workspace is pointed at init-mapper first.
func runImport(ctx context.Context, s *config.Settings, dest importer.Destination) (*importer.Result, error) {
	table, err := mapper.LoadTable(s.TablePath())
	if err != nil {
		return nil, err
	}
	if err := s.Validate(config.KeyClubhouseToken); err != nil {
		return nil, err
	}

	store := issuestore.New(s.IssueDir())
	if _, err := os.Stat(store.Dir); err != nil {
		return nil, fmt.Errorf("no snapshot at %s (run 'yt2ch download' first): %w", store.Dir, err)
	}

	l, err := ledger.Open(s.LedgerPath())
	if err != nil {
		return nil, err
	}
	epics, stories := l.Counts()
	debug.Logf("Ledger %s: %d epics, %d stories, %d deferred\n", l.Path(), epics, stories, l.DeferredCount())

	im := importer.New(store, mapper.New(table), l, dest)
	im.Progress = debug.Progress()
	im.OnMessage = func(msg string) { debug.PrintNormal("\n%s\n", msg) }
	im.OnWarning = func(msg string) { debug.Warnf("\n%s\n", msg) }

	return im.Run(ctx)
}

func printImportSummary(r *importer.Result) {
	if r == nil {
		return
	}
	icon := ui.RenderPass(ui.IconPass)
	if len(r.Failed) > 0 {
		icon = ui.RenderWarn(ui.IconWarn)
	}
	debug.PrintNormal("\n%s Import finished after %d sweep(s)\n", icon, r.Sweeps)
	debug.PrintNormal("%s\n", ui.Field("Epics", r.Epics))
	debug.PrintNormal("%s\n", ui.Field("Stories", r.Stories))
	if r.Deferrals > 0 {
		debug.PrintNormal("%s\n", ui.Field("Deferrals", r.Deferrals))
	}
	if r.Downgrades > 0 {
		debug.PrintNormal("%s\n", ui.Field("Downgrades", r.Downgrades))
	}
	if r.Reclaimed > 0 {
		debug.PrintNormal("%s\n", ui.Field("Reclaimed", r.Reclaimed))
	}
	if r.Unreadable > 0 {
		debug.PrintNormal("%s\n", ui.Field("Unreadable", ui.RenderWarn(fmt.Sprint(r.Unreadable))))
	}
	if r.Skipped > 0 {
		debug.PrintNormal("%s\n", ui.Field("Skipped", r.Skipped))
	}
	if len(r.Failed) > 0 {
		debug.PrintNormal("%s\n", ui.Field("Failed", ui.RenderFail(strings.Join(r.Failed, ", "))))
	}
}
