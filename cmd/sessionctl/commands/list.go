package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pairlink/sessiond/internal/wire"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []wire.SessionInfo
			if err := getJSON("/sessions", &infos); err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No live sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tCONNECTED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%t\n", info.Identifier, info.Connected)
			}
			return w.Flush()
		},
	}
}
