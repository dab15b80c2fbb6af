package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairlink/sessiond/loadtest/client"
	"github.com/pairlink/sessiond/loadtest/stats"
)

// sessionTimeline records observer-side timestamps for one session's
// lifecycle, from the create request to the readiness notification.
type sessionTimeline struct {
	created   time.Time
	pairing   time.Time
	connected time.Time
	ready     time.Time
}

// runLifecycle implements the session lifecycle load test. It connects a set
// of observers, creates sessions through the HTTP API at a configurable rate,
// and measures how long each session takes to reach its pairing code, its
// connected status, and its readiness notification.
func runLifecycle(args []string) {
	fs := flag.NewFlagSet("lifecycle", flag.ExitOnError)
	api := fs.String("api", "http://localhost:8080", "Base URL of the HTTP API")
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket observer URL")
	sessions := fs.Int("sessions", 50, "Number of sessions to create")
	observers := fs.Int("observers", 5, "Number of observer connections to hold open")
	createInterval := fs.Duration("interval", 200*time.Millisecond, "Interval between session creates")
	sessionTimeout := fs.Duration("timeout", 30*time.Second, "How long to wait for sessions to become ready")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Lifecycle test: %d sessions via %s, %d observers on %s (interval=%s, timeout=%s)\n",
		*sessions, *api, *observers, *url, *createInterval, *sessionTimeout)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, *observers)

	// -----------------------------------------------------------------------
	// Phase 1 — Connect observers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect observers ---")

	for i := 0; i < *observers; i++ {
		if ctx.Err() != nil {
			break
		}

		connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := client.New(connCtx, *url)
		if err != nil {
			connCancel()
			collector.AddError()
			continue
		}
		if err := c.AwaitPong(connCtx); err != nil {
			connCancel()
			collector.AddError()
			c.Close()
			continue
		}
		connCancel()

		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	}

	mu.Lock()
	connectedObservers := len(clients)
	mu.Unlock()
	fmt.Printf("Phase 1 complete: %d/%d observers connected (%d errors)\n",
		connectedObservers, *observers, collector.ErrorCount())

	if connectedObservers == 0 {
		fmt.Println("No observers connected — aborting.")
		scraper.Stop()
		collector.Report()
		return
	}

	// The first observer drives all lifecycle timing. The rest only hold
	// connections open so events fan out to more than one socket.
	timing := clients[0]

	var trackMu sync.Mutex
	timelines := make(map[string]*sessionTimeline)
	readyCh := make(chan string, *sessions)

	// mark stamps the timeline for identifier if we created that session.
	mark := func(identifier string, stamp func(*sessionTimeline)) {
		trackMu.Lock()
		defer trackMu.Unlock()
		if tl, ok := timelines[identifier]; ok {
			stamp(tl)
		}
	}

	timing.On(client.TypePairingCode, func(ev client.Event) {
		mark(ev.Identifier, func(tl *sessionTimeline) {
			if tl.pairing.IsZero() {
				tl.pairing = time.Now()
			}
		})
	})

	timing.On(client.TypeConnectionStatus, func(ev client.Event) {
		if ev.Status != client.StatusConnected {
			return
		}
		mark(ev.Identifier, func(tl *sessionTimeline) {
			if tl.connected.IsZero() {
				tl.connected = time.Now()
			}
		})
	})

	timing.On(client.TypeSessionReady, func(ev client.Event) {
		first := false
		mark(ev.Identifier, func(tl *sessionTimeline) {
			if tl.ready.IsZero() {
				tl.ready = time.Now()
				first = true
			}
		})
		if first {
			select {
			case readyCh <- ev.Identifier:
			default:
			}
		}
	})

	// -----------------------------------------------------------------------
	// Phase 2 — Create sessions
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Create sessions ---")

	httpc := &http.Client{Timeout: 10 * time.Second}

	var created, rateLimited, createErrors int
	acceptedIDs := make([]string, 0, *sessions)

	createStart := time.Now()

createLoop:
	for i := 0; i < *sessions; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during create phase.")
			break createLoop
		default:
		}

		identifier := fmt.Sprintf("1555%07d", i)

		trackMu.Lock()
		timelines[identifier] = &sessionTimeline{created: time.Now()}
		trackMu.Unlock()

		status, err := createSession(httpc, *api, identifier)
		switch {
		case err != nil:
			createErrors++
			collector.AddError()
		case status == http.StatusTooManyRequests:
			rateLimited++
		case status/100 == 2:
			created++
			acceptedIDs = append(acceptedIDs, identifier)
		default:
			createErrors++
			collector.AddError()
		}

		if i < *sessions-1 {
			select {
			case <-time.After(*createInterval):
			case <-ctx.Done():
			}
		}
	}

	fmt.Printf("Phase 2 complete: %d created, %d rate limited, %d errors in %s\n",
		created, rateLimited, createErrors, time.Since(createStart).Round(time.Millisecond))

	// -----------------------------------------------------------------------
	// Phase 3 — Wait for readiness
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Wait for session readiness ---")

	pending := make(map[string]struct{}, len(acceptedIDs))
	for _, id := range acceptedIDs {
		pending[id] = struct{}{}
	}

	var readyCount atomic.Int64

	// Progress reporting every 2 seconds while waiting.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [wait] ready: %d/%d\n", readyCount.Load(), created)
			case <-progressStop:
				return
			}
		}
	}()

	deadline := time.NewTimer(*sessionTimeout)

waitLoop:
	for len(pending) > 0 {
		select {
		case id := <-readyCh:
			if _, ok := pending[id]; ok {
				delete(pending, id)
				readyCount.Add(1)
			}
		case <-deadline.C:
			fmt.Printf("\nTimed out with %d sessions still pending.\n", len(pending))
			break waitLoop
		case <-ctx.Done():
			fmt.Println("\nInterrupted during wait phase.")
			break waitLoop
		}
	}

	deadline.Stop()
	close(progressStop)
	progressWg.Wait()

	// Convert timelines into latency samples.
	trackMu.Lock()
	for _, id := range acceptedIDs {
		tl := timelines[id]
		if !tl.pairing.IsZero() {
			collector.AddSample("pairing_code", tl.pairing.Sub(tl.created))
		}
		if !tl.connected.IsZero() {
			collector.AddSample("connected", tl.connected.Sub(tl.created))
		}
		if !tl.ready.IsZero() {
			collector.AddSample("session_ready", tl.ready.Sub(tl.created))
		}
	}
	trackMu.Unlock()

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Lifecycle Results ---\n")
	fmt.Printf("Sessions created:  %d / %d\n", created, *sessions)
	fmt.Printf("Rate limited:      %d\n", rateLimited)
	fmt.Printf("Create errors:     %d\n", createErrors)
	fmt.Printf("Sessions ready:    %d / %d\n", readyCount.Load(), created)

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// createSession posts a session creation request for identifier and returns
// the HTTP status code.
func createSession(httpc *http.Client, api, identifier string) (int, error) {
	body, err := json.Marshal(map[string]string{"identifier": identifier})
	if err != nil {
		return 0, err
	}

	resp, err := httpc.Post(api+"/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// cleanup closes all tracked client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(clients)
	fmt.Printf("Closing %d connections...\n", total)
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
