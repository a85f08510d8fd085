package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grimoire-rpg/grimoire/system"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Check a system package for problems",
	Long: `Validate loads the system package at <path> and reports every
problem it finds: YAML parse errors, schema violations, dangling
references, overlapping table spans and inheritance cycles. All
problems are collected in one pass rather than stopping at the first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		sys, err := loadSystem(path)
		if err != nil {
			var le *system.LoadError
			if errors.As(err, &le) {
				fmt.Printf("%s %s (%s)\n", renderFail("✗"), path, le.Kind)
				for _, msg := range le.Messages {
					fmt.Printf("  %s %s\n", renderFail("-"), msg)
				}
				if n := len(le.Messages); n > 1 {
					fmt.Println(renderMute(fmt.Sprintf("%d problems", n)))
				}
			} else {
				fmt.Printf("%s %v\n", renderFail("✗"), err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s %s (%s)\n", renderPass("✓"), sys.Name, sys.ID)
		fmt.Printf("  %s\n", renderMute(fmt.Sprintf(
			"%d models, %d compendiums, %d tables, %d flows, %d prompts",
			len(sys.Models), len(sys.Compendiums), len(sys.Tables),
			len(sys.Flows), len(sys.Prompts))))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
