// Command desk runs and inspects the essay desk's local store.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/essaydesk/deskstore/internal/config"
	"github.com/essaydesk/deskstore/internal/logging"
	"github.com/essaydesk/deskstore/internal/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	v    = config.New()
	cfg  *config.Config
	sink *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "desk",
	Short: "Offline-first local store for the essay desk",
	Long: `desk keeps every collection of the essay desk (orders, writers, bids, ...)
in a local store that works offline and persists after every change.

A background scheduler reconciles the local copy with the marketplace's
remote authority, merging snapshots that are newer and discarding ones that
would lose local work.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor)

		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = c

		// One-shot commands keep stderr quiet unless asked.
		stderr := cfg.Log.Stderr && (verbose || cmd.Name() == serveCmd.Name())
		sink, err = logging.Open(logging.Options{
			File:       cfg.Log.File,
			Stderr:     stderr,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sink != nil {
			_ = sink.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "data", Title: "Backup and restore:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: .desk/desk.yaml or ~/.config/desk/desk.yaml)")
	flags.String("data-dir", ".desk", "directory for the local state")
	flags.String("backend", config.BackendFile, "storage backend: file, sqlite or memory")
	flags.String("remote", "", "URL of the remote snapshot endpoint")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("store.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("remote.url", flags.Lookup("remote"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
