package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/essaydesk/deskstore/internal/store"
	"github.com/essaydesk/deskstore/internal/ui"
)

var findCmd = &cobra.Command{
	Use:     "find <collection>",
	GroupID: "records",
	Short:   "List records of a collection",
	Long: `List the records of a collection, optionally filtered.

Example usage:
  desk find orders
  desk find orders --where status=available --where pages=4
  desk find orders --updated-since yesterday
  desk find orders --updated-since 2h --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]

		where, _ := cmd.Flags().GetStringArray("where")
		conds, err := parseConditions(where)
		if err != nil {
			return err
		}

		var since time.Time
		if text, _ := cmd.Flags().GetString("updated-since"); text != "" {
			if since, err = parseSince(text, time.Now()); err != nil {
				return err
			}
		}
		openOnly, _ := cmd.Flags().GetBool("open")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		pol := cfg.Policies.For(collection)
		recs := a.store.Find(collection, func(r store.Record) bool {
			if !since.IsZero() && r.Timestamp().Before(since) {
				return false
			}
			if openOnly && !pol.IsOpen(r) {
				return false
			}
			return matches(r, conds)
		})
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}

		if asJSON {
			return printJSON(recs)
		}
		if len(recs) == 0 {
			fmt.Printf("No records in %s\n", collection)
			return nil
		}

		now := time.Now()
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			state := pol.State(r)
			if pol.IsOpen(r) {
				state = ui.RenderPass(state)
			}
			rows = append(rows, []string{r.ID, state, pol.Owner(r), ui.Since(r.Timestamp(), now)})
		}
		ui.Table(os.Stdout, []string{"ID", "STATE", "OWNER", "UPDATED"}, rows)
		fmt.Printf("\n%d records\n", len(recs))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> <id>",
	GroupID: "records",
	Short:   "Print one record as JSON",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rec, ok := a.store.FindByID(args[0], args[1])
		if !ok {
			return fmt.Errorf("%s/%s not found", args[0], args[1])
		}
		return printJSON(rec)
	},
}

var createCmd = &cobra.Command{
	Use:     "create <collection> [key=value...]",
	GroupID: "records",
	Short:   "Create a record",
	Long: `Create a record in a collection. The id and timestamps are assigned by
the store.

Values that parse as JSON keep their type (pages=4 is a number,
urgent=true a boolean); anything else is stored as a string.

Example usage:
  desk create orders status=available topic="Roman trade" pages=4`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rec := a.store.Create(args[0], store.NewRecord(fields))
		fmt.Printf("%s Created %s/%s\n", ui.RenderPass("✓"), args[0], rec.ID)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <collection> <id> key=value...",
	GroupID: "records",
	Short:   "Update fields of a record",
	Args:    cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseAssignments(args[2:])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, ok := a.store.Update(args[0], args[1], fields); !ok {
			return fmt.Errorf("%s/%s not found", args[0], args[1])
		}
		fmt.Printf("%s Updated %s/%s (%d fields)\n", ui.RenderPass("✓"), args[0], args[1], len(fields))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "records",
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.store.Delete(args[0], args[1]) {
			return fmt.Errorf("%s/%s not found", args[0], args[1])
		}
		fmt.Printf("%s Deleted %s/%s\n", ui.RenderPass("✓"), args[0], args[1])
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	findCmd.Flags().StringArray("where", nil, "only records whose field equals a value (key=value, repeatable)")
	findCmd.Flags().String("updated-since", "", `only records updated since a time ("yesterday", "2h", RFC 3339)`)
	findCmd.Flags().Bool("open", false, "only open records")
	findCmd.Flags().Int("limit", 0, "maximum number of records (0 = all)")
	findCmd.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
}
