package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, DESK_*
environment variables and flags have been applied. The remote token is
redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := v.AllSettings()
		if r, ok := settings["remote"].(map[string]any); ok {
			if tok, _ := r["token"].(string); tok != "" {
				r["token"] = "REDACTED"
			}
		}

		if cfg.File != "" {
			fmt.Printf("# %s\n", cfg.File)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to print config: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
