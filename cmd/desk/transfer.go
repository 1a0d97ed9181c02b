package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/essaydesk/deskstore/internal/persist"
	"github.com/essaydesk/deskstore/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Write the whole local state to a file or stdout",
	Long: `Serialize the whole local state. The output can be re-imported with
'desk import' or dropped into the inbox of a running desk.

Example usage:
  desk export > backup.json
  desk export --format yaml -o backup.yaml
  desk export -o .                      # timestamped file in the current directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		name, _ := cmd.Flags().GetString("format")

		format, err := persist.ParseFormat(name)
		if err != nil {
			return err
		}
		if name == "" && out != "" {
			if f, err := persist.FormatFromPath(out); err == nil {
				format = f
			}
		}
		if st, err := os.Stat(out); err == nil && st.IsDir() {
			out = filepath.Join(out, persist.ArtifactName(time.Now(), format))
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = os.Stdout
		if out != "" && out != "-" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			defer f.Close()
			w = f
		}

		bw := bufio.NewWriter(w)
		if err := a.store.SaveTo(cmd.Context(), persist.NewWriterPort(bw, format)); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}

		if w != os.Stdout {
			fmt.Fprintf(os.Stderr, "%s Exported %d collections to %s\n", ui.RenderPass("✓"), len(a.store.Collections()), out)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Replace the local state with a file",
	Long: `Validate a state document and, if it is well formed, replace the whole
local state with it. A malformed document leaves the state untouched.

The format comes from the file extension (.json, .yaml, .jsonl) unless
--format is given. Use - to read JSON from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		name, _ := cmd.Flags().GetString("format")

		format := persist.FormatJSON
		var err error
		switch {
		case name != "":
			format, err = persist.ParseFormat(name)
		case path != "-":
			format, err = persist.FormatFromPath(path)
		}
		if err != nil {
			return err
		}

		var data []byte
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			// #nosec G304 - path is given by the user
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		payload, err := persist.ToJSON(data, format)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Import(payload); err != nil {
			return err
		}
		fmt.Printf("%s Imported %s: %d collections\n", ui.RenderPass("✓"), path, len(a.store.Collections()))
		return nil
	},
}

// errNotConfirmed is returned when a destructive command is declined.
var errNotConfirmed = errors.New("aborted")

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "data",
	Short:   "Discard the local state and bootstrap from the remote",
	Long: `Clear the persisted state and reload it from one fresh remote snapshot.

Local records that never reached the remote are lost. Without a remote, or
if the fetch fails, the store is left empty and bootstraps again on the
next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := confirm("Discard the local state?",
				"Records that were never synced to the remote will be lost.")
			if err != nil {
				return err
			}
			if !ok {
				return errNotConfirmed
			}
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Reset(cmd.Context()); err != nil {
			return err
		}
		n := 0
		for _, name := range a.store.Collections() {
			n += a.store.Count(name)
		}
		if a.source == nil || n == 0 {
			fmt.Printf("%s Local state cleared\n", ui.RenderWarn("⚠"))
			return nil
		}
		fmt.Printf("%s Reset from %s: %d records\n", ui.RenderPass("✓"), cfg.Remote.URL, n)
		return nil
	},
}

// confirm asks a yes/no question on the terminal. Without a terminal it
// refuses rather than guessing.
func confirm(title, description string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) || !ui.IsTerminal(os.Stdout) {
		return false, fmt.Errorf("not a terminal: pass --yes to confirm")
	}

	ok := false
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file or directory (default: stdout)")
	exportCmd.Flags().String("format", "", "json, yaml or jsonl (default: from the output extension, else json)")
	importCmd.Flags().String("format", "", "json, yaml or jsonl (default: from the file extension)")
	resetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(resetCmd)
}
