package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/essaydesk/deskstore/internal/config"
	"github.com/essaydesk/deskstore/internal/dashboard"
	"github.com/essaydesk/deskstore/internal/inbox"
	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/scheduler"
	"github.com/essaydesk/deskstore/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the store with periodic sync, dashboard and import inbox",
	Long: `Open the local store and keep it reconciled with the remote authority.

While running:
  - A sync pass runs every sync.interval (only while a dashboard client is
    connected when sync.foreground is "clients")
  - Failed passes are retried with backoff; after sync.max_retries failures
    in a row automatic sync halts until 'desk sync' or POST /sync succeeds
  - The dashboard serves /ws, /health, /stats, /snapshot, /export and /sync
  - With inbox.enabled, state documents dropped into inbox.dir are imported
  - SIGHUP rotates log.file

Example usage:
  desk serve --remote https://desk.example.com/snapshot
  DESK_SYNC_INTERVAL=30s desk serve --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(a.store, &dashboard.Config{
				Addr:     cfg.Dashboard.Addr,
				CatchAll: cfg.Dashboard.CatchAll,
				Policies: cfg.Policies,
				Logger:   sink.Logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
		}

		var sched *scheduler.Scheduler
		if rec, err := a.reconciler(); err == nil {
			opts := scheduler.Options{Logger: sink.Logger("scheduler")}
			if server != nil {
				opts.OnResult = server.OnSyncResult
				if cfg.Sync.Foreground == config.ForegroundClients {
					opts.IsForeground = server.HasClients
				}
			}
			sched = scheduler.New(rec, opts)
			if server != nil {
				server.AttachSync(sched, rec.Stats)
			}
			if err := sched.Start(cfg.Sync.Interval); err != nil {
				return err
			}
		} else {
			fmt.Printf("%s %v; running local only\n", ui.RenderWarn("⚠"), err)
		}

		var in *inbox.Inbox
		if cfg.Inbox.Enabled {
			in, err = inbox.New(a.store, &inbox.Config{
				Dir:      cfg.Inbox.Dir,
				Debounce: cfg.Inbox.Debounce,
				Logger:   sink.Logger("inbox"),
			})
			if err == nil {
				err = in.Start(ctx)
			}
			if err != nil {
				return fmt.Errorf("failed to start inbox: %w", err)
			}
		}

		fmt.Printf("%s Desk running\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s (%s)\n", cfg.StorePath(), cfg.Store.Backend)
		if a.source != nil {
			fmt.Printf("   Remote: %s every %s\n", cfg.Remote.URL, cfg.Sync.Interval)
		}
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}
		if in != nil {
			fmt.Printf("   Inbox: %s\n", in.Dir())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
	wait:
		for {
			select {
			case <-hup:
				if err := sink.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to rotate log: %v\n", err)
				}
			case <-ctx.Done():
				break wait
			}
		}
		fmt.Println("\nShutting down...")

		// Stop producers first, then let in-flight passes land before the
		// backend closes.
		if in != nil {
			if err := in.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		if sched != nil {
			sched.Stop()
			sched.Wait()
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "dashboard listen address (default from dashboard.addr)")
	serveCmd.Flags().Bool("no-dashboard", false, "do not start the dashboard")
	serveCmd.Flags().Bool("inbox", false, "watch the import inbox")
	_ = v.BindPFlag("dashboard.addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("inbox.enabled", serveCmd.Flags().Lookup("inbox"))

	serveCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if off, _ := cmd.Flags().GetBool("no-dashboard"); off {
			cfg.Dashboard.Enabled = false
			if cfg.Sync.Foreground == config.ForegroundClients {
				cfg.Sync.Foreground = config.ForegroundAlways
			}
		}
		return nil
	}

	rootCmd.AddCommand(serveCmd)
}

// printResult reports one pass on stdout.
func printResult(res reconcile.Result) {
	outcome := ui.RenderOutcome(string(res.Outcome))
	took := res.Duration.Round(time.Millisecond)
	switch res.Outcome {
	case reconcile.OutcomeMerged:
		fmt.Printf("%s %s in %v: %v\n", ui.RenderPass("✓"), outcome, took, res.Changed)
	case reconcile.OutcomeDiscarded:
		fmt.Printf("%s Snapshot %s as not significant, local state kept (%v)\n", ui.RenderPass("✓"), outcome, took)
	case reconcile.OutcomeSkipped:
		fmt.Printf("%s %s: %s\n", ui.RenderWarn("⚠"), outcome, res.Reason)
	case reconcile.OutcomeFailed:
		kind := "permanent"
		if res.Transient {
			kind = "transient"
		}
		fmt.Printf("%s Sync %s (%s): %v\n", ui.RenderFail("✗"), outcome, kind, res.Err)
	}
}
