package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var browseCmd = &cobra.Command{
	Use:   "browse <path>",
	Short: "Show everything a system package contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := loadSystem(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n", renderHead(sys.Name), renderMute("("+sys.ID+" "+sys.Version+")"))
		if sys.Description != "" {
			fmt.Println(renderMute(sys.Description))
		}
		fmt.Println()

		if len(sys.Models) > 0 {
			fmt.Println(renderHead("MODELS"))
			for _, id := range sys.ModelIDs() {
				m := sys.Models[id]
				fmt.Printf("  %-24s %s\n", id,
					renderMute(fmt.Sprintf("%d attributes", len(m.MergedAttributes()))))
			}
		}

		if len(sys.Compendiums) > 0 {
			fmt.Println(renderHead("COMPENDIUMS"))
			for _, id := range sys.CompendiumIDs() {
				c := sys.Compendiums[id]
				fmt.Printf("  %-24s %s\n", id,
					renderMute(fmt.Sprintf("%d × %s", len(c.Entries), c.Model)))
			}
		}

		if len(sys.Tables) > 0 {
			fmt.Println(renderHead("TABLES"))
			for _, id := range sys.TableIDs() {
				t := sys.Tables[id]
				fmt.Printf("  %-24s %s\n", id,
					renderMute(fmt.Sprintf("%s, %d entries", t.Roll, len(t.Entries))))
			}
		}

		if len(sys.Flows) > 0 {
			fmt.Println(renderHead("FLOWS"))
			for _, id := range sys.FlowIDs() {
				f := sys.Flows[id]
				fmt.Printf("  %-24s %s\n", id,
					renderMute(fmt.Sprintf("%d steps", len(f.Steps))))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(browseCmd)
}
