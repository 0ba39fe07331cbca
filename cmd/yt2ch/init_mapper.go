package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/yt2ch/yt2ch/internal/clubhouse"
	"github.com/yt2ch/yt2ch/internal/config"
	"github.com/yt2ch/yt2ch/internal/debug"
	"github.com/yt2ch/yt2ch/internal/issuestore"
	"github.com/yt2ch/yt2ch/internal/mapper"
	"github.com/yt2ch/yt2ch/internal/ui"
	"github.com/yt2ch/yt2ch/internal/youtrack"
)

// userLookupLimit bounds concurrent YouTrack user requests.
const userLookupLimit = 8

var errNoValues = errors.New("snapshot has no " + issuestore.ValuesFile)

var initMapperCmd = &cobra.Command{
	Use:   "init-mapper",
	Short: "Draft the lookup table from the snapshot and Clubhouse",
	Long: `Builds <config-dir>/mapper.yaml from the values seen in the snapshot:
YouTrack users are matched to Clubhouse members by email, then by full name;
issue types fold onto feature, bug or chore; states match the workflow states
of the Clubhouse project's team by name.

An existing table is never overwritten. Review the generated file before
running import.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := config.Load()
		if err := s.Validate(config.KeyYouTrackURL, config.KeyYouTrackToken,
			config.KeyClubhouseToken, config.KeyClubhouseProject); err != nil {
			FatalError("%v", err)
		}

		ch := clubhouse.NewClient(s.ClubhouseToken)
		if s.ClubhouseEndpoint != "" {
			ch = ch.WithEndpoint(s.ClubhouseEndpoint)
		}
		yt := youtrack.NewClient(s.YouTrackURL, s.YouTrackToken)

		err := runInitMapper(getRootContext(), s, ch, yt, chooseFallback)
		switch {
		case errors.Is(err, mapper.ErrTableExists):
			FatalErrorWithHint(err.Error(), "Edit the existing table or delete it to regenerate")
		case errors.Is(err, errNoValues):
			FatalErrorWithHint(err.Error(), "Run 'yt2ch download' first")
		case err != nil:
			FatalError("%v", err)
		}
	},
}

// clubhouseReader is the read side of the Clubhouse API init-mapper needs.
type clubhouseReader interface {
	GetProject(ctx context.Context, projectID int64) (*clubhouse.Project, error)
	ListMembers(ctx context.Context) ([]clubhouse.Member, error)
	ListWorkflows(ctx context.Context) ([]clubhouse.Workflow, error)
}

type userLookup interface {
	GetUser(ctx context.Context, login string) (*youtrack.User, error)
}

// fallbackChooser picks the member that receives unmapped usernames.
type fallbackChooser func(members []clubhouse.Member) (string, error)

func runInitMapper(ctx context.Context, s *config.Settings, ch clubhouseReader, yt userLookup, choose fallbackChooser) error {
	tablePath := s.TablePath()
	if _, err := os.Stat(tablePath); err == nil {
		return fmt.Errorf("%w: %s", mapper.ErrTableExists, tablePath)
	}

	store := issuestore.New(s.IssueDir())
	if !store.HasValues() {
		return fmt.Errorf("%w in %s", errNoValues, store.Dir)
	}
	values, err := store.ReadValues()
	if err != nil {
		return err
	}

	project, err := ch.GetProject(ctx, s.ClubhouseProject)
	if err != nil {
		return fmt.Errorf("get clubhouse project %d: %w", s.ClubhouseProject, err)
	}
	members, err := ch.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list clubhouse members: %w", err)
	}
	workflows, err := ch.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list clubhouse workflows: %w", err)
	}

	users, err := lookupUsers(ctx, yt, values.Usernames.Sorted())
	if err != nil {
		return err
	}

	active := activeMembers(members)
	if len(active) == 0 {
		return errors.New("clubhouse workspace has no active members")
	}
	fallback, err := choose(active)
	if err != nil {
		return err
	}

	table := mapper.BuildTable(mapper.GenerateInput{
		ProjectID:   s.ClubhouseProject,
		YouTrackURL: s.YouTrackURL,
		Fallback:    fallback,
		Users:       users,
		Members:     members,
		IssueTypes:  values.IssueTypes.Sorted(),
		IssueStates: values.IssueStates.Sorted(),
		States:      clubhouse.TeamStates(workflows, project.TeamID),
	})
	if err := mapper.WriteTable(tablePath, table); err != nil {
		return err
	}

	debug.PrintNormal("%s Wrote %s\n", ui.RenderPass(ui.IconPass), tablePath)
	debug.PrintNormal("%s\n", ui.Field("Users", fmt.Sprintf("%d of %d matched", len(table.Users.Map), len(users))))
	debug.PrintNormal("%s\n", ui.Field("Types", len(table.Types)))
	debug.PrintNormal("%s\n", ui.Field("States", len(table.States)))
	return nil
}

// lookupUsers fetches every login concurrently. A failed lookup keeps the
// bare login, which then only matches through the fallback.
func lookupUsers(ctx context.Context, yt userLookup, logins []string) ([]mapper.SourceUser, error) {
	users := make([]mapper.SourceUser, len(logins))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(userLookupLimit)

	for i, login := range logins {
		g.Go(func() error {
			users[i] = mapper.SourceUser{Login: login}
			u, err := yt.GetUser(gctx, login)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				debug.Warnf("Warning: lookup of YouTrack user %s failed: %v\n", login, err)
				return nil
			}
			users[i].Email = u.Email
			users[i].FullName = u.FullName
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("look up youtrack users: %w", err)
	}
	return users, nil
}

func activeMembers(members []clubhouse.Member) []clubhouse.Member {
	var out []clubhouse.Member
	for _, m := range members {
		if !m.Disabled {
			out = append(out, m)
		}
	}
	return out
}

// chooseFallback prompts for the fallback member on a terminal and takes
// the first member otherwise.
func chooseFallback(members []clubhouse.Member) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return members[0].ID, nil
	}

	options := make([]huh.Option[string], 0, len(members))
	for _, m := range members {
		label := m.Profile.Name
		if m.Profile.MentionName != "" {
			label = fmt.Sprintf("%s (@%s)", label, m.Profile.MentionName)
		}
		options = append(options, huh.NewOption(label, m.ID))
	}

	choice := members[0].ID
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Fallback user").
				Description("Receives every YouTrack user without a Clubhouse match").
				Options(options...).
				Value(&choice),
		),
	).WithTheme(huh.ThemeDracula())

	err := form.Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("init-mapper cancelled")
		}
		return "", fmt.Errorf("fallback prompt: %w", err)
	}
	return choice, nil
}
