package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pairlink/sessiond/internal/wire"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h wire.HealthResponse
			if err := getJSON("/health", &h); err != nil {
				return err
			}

			fmt.Printf("Status:   %s\n", h.Status)
			fmt.Printf("Sessions: %d\n", h.ActiveSessionCount)
			fmt.Printf("Uptime:   %s\n", h.Uptime)
			fmt.Printf("Time:     %s\n", h.Timestamp)
			return nil
		},
	}
}
