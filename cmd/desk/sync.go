package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/essaydesk/deskstore/internal/dashboard"
	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one forced reconciliation pass",
	Long: `Fetch one snapshot from the remote authority and reconcile it with the
local store.

A snapshot that would lose local work (fewer records, or fewer open
records) is discarded. Otherwise records are merged newest-wins and
local-only records are kept.

When 'desk serve' is running, prefer POST /sync on its dashboard: the
running process owns the store, and this command would race with it.
With --dashboard this command does exactly that.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viaDashboard, _ := cmd.Flags().GetBool("dashboard"); viaDashboard {
			return syncViaDashboard(cmd.Context())
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.reconciler()
		if err != nil {
			return err
		}

		fmt.Printf("%s Syncing from %s...\n", ui.RenderAccent("🔄"), cfg.Remote.URL)
		res := rec.Run(cmd.Context())
		printResult(res)
		if res.Outcome == reconcile.OutcomeFailed {
			return fmt.Errorf("sync failed")
		}
		return nil
	},
}

func syncViaDashboard(ctx context.Context) error {
	url := "http://" + cfg.Dashboard.Addr + "/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard not reachable at %s: %w", cfg.Dashboard.Addr, err)
	}
	defer resp.Body.Close()

	var data dashboard.SyncResultData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode sync result: %w", err)
	}

	res := reconcile.Result{
		Outcome:   reconcile.Outcome(data.Outcome),
		Changed:   data.Changed,
		Reason:    data.Reason,
		Transient: data.Transient,
		Duration:  time.Duration(data.DurationMS) * time.Millisecond,
	}
	if data.Error != "" {
		res.Err = fmt.Errorf("%s", data.Error)
	}
	printResult(res)
	if res.Outcome == reconcile.OutcomeFailed {
		return fmt.Errorf("sync failed")
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync status",
	Long: `Display the local store and, when 'desk serve' is running, its live sync
statistics.

Shows:
  - Backend, location and last save time
  - Record and open-record counts per collection, plus persisted counts
    for the sqlite backend
  - Remote authority and sync state (passes, failures, halted)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("\n%s Desk Status\n\n", ui.RenderAccent("📊"))

		info := map[string]string{
			"backend": cfg.Store.Backend,
		}
		if path := cfg.StorePath(); path != "" {
			info["location"] = path
			if st, err := os.Stat(path); err == nil {
				info["size"] = formatSize(st.Size())
				info["modified"] = ui.Since(st.ModTime(), time.Now())
			}
		}
		if a.sqlite != nil {
			if at, ok, err := a.sqlite.SavedAt(cmd.Context()); err == nil && ok {
				info["saved"] = ui.Since(at, time.Now())
			}
		}
		if cfg.HasRemote() {
			info["remote"] = cfg.Remote.URL
		} else {
			info["remote"] = ui.RenderMuted("none")
		}
		if cfg.File != "" {
			info["config"] = cfg.File
		}
		ui.Fields(os.Stdout, info)
		fmt.Println()

		headers := []string{"COLLECTION", "RECORDS", "OPEN"}
		var persisted map[string]int
		if a.sqlite != nil {
			if persisted, err = a.sqlite.CountByCollection(cmd.Context()); err != nil {
				return err
			}
			headers = append(headers, "PERSISTED")
		}

		var rows [][]string
		for _, name := range a.store.Collections() {
			recs := a.store.Find(name, nil)
			open := cfg.Policies.For(name).CountOpen(recs)
			row := []string{name, strconv.Itoa(len(recs)), strconv.Itoa(open)}
			if persisted != nil {
				row = append(row, strconv.Itoa(persisted[name]))
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			fmt.Printf("%s No collections yet\n", ui.RenderWarn("⚠"))
		} else {
			ui.Table(os.Stdout, headers, rows)
		}
		fmt.Println()

		printLiveStats()
		return nil
	},
}

// printLiveStats asks a running dashboard for its sync statistics.
func printLiveStats() {
	if !cfg.Dashboard.Enabled {
		return
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + cfg.Dashboard.Addr + "/stats")
	if err != nil {
		fmt.Printf("Serve: %s\n\n", ui.RenderMuted("not running"))
		return
	}
	defer resp.Body.Close()

	var stats dashboard.StatsData
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Printf("Serve: %s\n\n", ui.RenderWarn("unreadable stats"))
		return
	}

	state := ui.RenderPass("running")
	if stats.Halted {
		state = ui.RenderFail("halted") + " (run 'desk sync --dashboard' to resume)"
	}
	fmt.Printf("Serve: %s on %s, %d clients\n", state, cfg.Dashboard.Addr, stats.Clients)
	if s := stats.Sync; s != nil {
		now := time.Now()
		pass := "idle"
		if s.Running {
			pass = "in progress"
		}
		ui.Fields(os.Stdout, map[string]string{
			"pass":         pass,
			"passes":       fmt.Sprintf("%d (%d merged, %d discarded, %d skipped)", s.Passes, s.Merges, s.Discards, s.Skips),
			"failures":     fmt.Sprintf("%d (%d in a row)", s.Failures, s.ConsecutiveFailures),
			"last success": ui.Since(s.LastSuccess, now),
			"last merge":   ui.Since(s.LastMerge, now),
		})
		if s.LastError != "" {
			fmt.Printf("  %s %s\n", ui.RenderFail("last error:"), s.LastError)
		}
	}
	fmt.Println()
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	syncCmd.Flags().Bool("dashboard", false, "ask the running 'desk serve' to sync instead")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
