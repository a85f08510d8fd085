package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listType string

var listCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List definitions of one kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := loadSystem(args[0])
		if err != nil {
			return err
		}
		switch listType {
		case "flows":
			for _, id := range sys.FlowIDs() {
				f := sys.Flows[id]
				fmt.Printf("%s  %s\n", id, renderMute(f.Name))
			}
		case "models":
			for _, id := range sys.ModelIDs() {
				m := sys.Models[id]
				extra := ""
				if len(m.Extends) > 0 {
					extra = " extends " + fmt.Sprint(m.Extends)
				}
				fmt.Printf("%s  %s\n", id, renderMute(m.Name+extra))
			}
		case "tables":
			for _, id := range sys.TableIDs() {
				t := sys.Tables[id]
				fmt.Printf("%s  %s\n", id, renderMute(fmt.Sprintf("%s (%s)", t.Name, t.Roll)))
			}
		case "compendiums":
			for _, id := range sys.CompendiumIDs() {
				c := sys.Compendiums[id]
				fmt.Printf("%s  %s\n", id, renderMute(fmt.Sprintf("%s, %d entries of %s", c.Name, len(c.Entries), c.Model)))
			}
		default:
			return fmt.Errorf("unknown --type %q (flows, models, tables, compendiums)", listType)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listType, "type", "t", "flows", "what to list: flows, models, tables, compendiums")
	rootCmd.AddCommand(listCmd)
}
