package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInspectCmd(_ *rootOptions) *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the tables, columns and types found in a file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := loadTables(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, t := range tables {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "%s (%d rows)\n", t.Name, t.NumRows())
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, c := range t.Columns {
					fmt.Fprintf(tw, "  %s\t%s\n", c.Name, c.Type)
				}
				_ = tw.Flush()
				if rows > 0 {
					for _, r := range t.Preview(rows) {
						fmt.Fprintf(out, "  | %s\n", strings.Join(r, " | "))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&rows, "rows", "n", 0, "also print the first n rows")
	return cmd
}
