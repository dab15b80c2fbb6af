package commands

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr string

	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func Execute() error {
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Inspect and drive a sessiond instance",
	}

	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the sessiond HTTP API")

	root.AddCommand(createCmd(), listCmd(), healthCmd(), watchCmd())
	return root.Execute()
}
