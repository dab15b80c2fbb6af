package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/spf13/cobra"

	"github.com/pairlink/sessiond/internal/wire"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream session lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := observerURL(addr)

			dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, _, _, err := ws.Dial(dialCtx, wsURL)
			cancel()
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			// Ctrl-C closes the connection, which unblocks the read loop.
			done := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				close(done)
				conn.Close()
			}()

			fmt.Printf("Watching %s\n", wsURL)
			for {
				data, err := wsutil.ReadServerText(conn)
				if err != nil {
					select {
					case <-done:
						return nil
					default:
						return fmt.Errorf("read: %w", err)
					}
				}

				var ev wire.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					continue
				}
				printEvent(ev)
			}
		},
	}
}

// observerURL derives the ws:// observer endpoint from the HTTP base URL.
func observerURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/ws"
}

func printEvent(ev wire.Event) {
	ts := time.Unix(ev.Ts, 0).Format("15:04:05")
	switch ev.Type {
	case wire.TypePairingCode:
		fmt.Printf("%s  %s  pairing code %s\n", ts, ev.Identifier, ev.Code)
	case wire.TypeConnectionStatus:
		fmt.Printf("%s  %s  %s\n", ts, ev.Identifier, ev.Status)
	case wire.TypeSessionReady:
		fmt.Printf("%s  %s  ready: %s\n", ts, ev.Identifier, ev.Message)
	case wire.TypeError:
		fmt.Printf("%s  %s  error: %s\n", ts, ev.Identifier, ev.Message)
	default:
		fmt.Printf("%s  %s  %s\n", ts, ev.Identifier, ev.Type)
	}
}
