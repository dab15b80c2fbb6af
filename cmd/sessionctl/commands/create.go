package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/pairlink/sessiond/internal/wire"
)

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [identifier]",
		Short: "Provision a session for an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(wire.CreateSessionRequest{Identifier: args[0]})
			if err != nil {
				return err
			}

			resp, err := httpClient.Post(addr+"/sessions", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("sessiond post /sessions: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				var limited wire.RateLimitedResponse
				if err := json.NewDecoder(resp.Body).Decode(&limited); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
				return fmt.Errorf("rate limited, retry in %ds", limited.RetryAfter)
			}

			var out wire.CreateSessionResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if !out.Accepted {
				if out.Error != "" {
					return fmt.Errorf("session rejected: %s", out.Error)
				}
				return fmt.Errorf("session rejected: %s", resp.Status)
			}

			fmt.Printf("Session accepted for %s\n", out.Identifier)
			fmt.Println("Follow pairing with: sessionctl watch")
			return nil
		},
	}
}
