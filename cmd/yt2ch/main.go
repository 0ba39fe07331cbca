package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yt2ch/yt2ch/internal/config"
	"github.com/yt2ch/yt2ch/internal/debug"
	"github.com/yt2ch/yt2ch/internal/telemetry"
)

var (
	configFile  string
	dataDir     string
	configDir   string
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./yt2ch.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the snapshot and import ledger (default: data)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding mapper.yaml (default: config)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddCommand(downloadCmd, initMapperCmd, importCmd, statusCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "yt2ch",
	Short: "yt2ch - migrate a YouTrack project to Clubhouse",
	Long: `Downloads a YouTrack project into a local snapshot, drafts a lookup table
for users, types and states, then imports the snapshot into Clubhouse as
epics and stories. Imports resume from the ledger in the data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("yt2ch version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		if err := config.Initialize(configFile); err != nil {
			FatalError("%v", err)
		}
		applyFlagOverrides(cmd)

		if err := telemetry.Init(rootCtx, "yt2ch", Version); err != nil {
			WarnError("telemetry disabled: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// applyFlagOverrides lets explicitly set flags win over file and env values.
func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("data-dir") {
		config.Set(config.KeyDataDir, dataDir)
	}
	if cmd.Flags().Changed("config-dir") {
		config.Set(config.KeyConfigDir, configDir)
	}
}

func getRootContext() context.Context {
	if rootCtx == nil {
		return context.Background()
	}
	return rootCtx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
