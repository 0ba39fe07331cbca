package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yt2ch/yt2ch/internal/config"
	"github.com/yt2ch/yt2ch/internal/ledger"
	"github.com/yt2ch/yt2ch/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the import ledger summary",
	Run: func(cmd *cobra.Command, args []string) {
		s := config.Load()
		if _, err := os.Stat(s.LedgerPath()); os.IsNotExist(err) {
			fmt.Println(ui.RenderMuted("No import has run yet (" + s.LedgerPath() + " not found)"))
			return
		}
		l, err := ledger.Open(s.LedgerPath())
		if err != nil {
			FatalError("%v", err)
		}
		writeStatus(os.Stdout, l)
	},
}

func writeStatus(w io.Writer, l *ledger.Ledger) {
	epics, stories := l.Counts()
	_, _ = fmt.Fprintln(w, ui.Field("Ledger", l.Path()))
	_, _ = fmt.Fprintln(w, ui.Field("Started", l.StartDate.Local().Format(time.RFC1123)))
	_, _ = fmt.Fprintln(w, ui.Field("Epics", epics))
	_, _ = fmt.Fprintln(w, ui.Field("Stories", stories))
	_, _ = fmt.Fprintln(w, ui.Field("Epic links", len(l.EpicMap)))

	deferred := l.DeferredIDs()
	if len(deferred) == 0 {
		_, _ = fmt.Fprintln(w, ui.Field("Deferred", 0))
		return
	}
	_, _ = fmt.Fprintln(w, ui.Field("Deferred", ui.RenderWarn(strings.Join(deferred, ", "))))
}
