// Package main implements a standalone end-to-end integration test for the
// sessiond provisioning service. It validates the full session journey against
// a running stack: health checks, observer connections, session creation,
// lifecycle notifications, listing, supersede, rate limiting, and retirement.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 120s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pairlink/sessiond/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// sessionInfo mirrors the GET /sessions response entries.
type sessionInfo struct {
	Identifier string `json:"identifier"`
	Connected  bool   `json:"connected"`
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket observer URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 120*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== sessiond E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *apiBase)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Time-derived identifiers so repeated runs do not trip the per-identifier
	// creation rate limit.
	base := time.Now().Unix() % 10000000
	mainID := fmt.Sprintf("1555%07d", base)
	limitID := fmt.Sprintf("1666%07d", base)

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ObserverConnect(ctx, *wsURL))

	// Scenarios 3-5 share one observer and one session; run them as a group.
	s3, s4, s5 := scenario345LifecycleListSupersede(ctx, *apiBase, *wsURL, mainID)
	results = append(results, s3, s4, s5)

	// Optional scenarios (non-fatal).
	results = append(results, scenario6RateLimiting(ctx, *apiBase, limitID))
	results = append(results, scenario7Retirement(ctx, *apiBase, mainID))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with status and session count.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status             string `json:"status"`
		ActiveSessionCount int    `json:"active_session_count"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status %q", health.Status)}
	}

	// 1b. /metrics — expect Prometheus text with sessiond_active_sessions.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "sessiond_active_sessions") {
		return scenarioResult{name, resultFail, "/metrics: missing sessiond_active_sessions"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("active_sessions=%d", health.ActiveSessionCount)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Observer Connect
// ---------------------------------------------------------------------------

func scenario2ObserverConnect(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Observer Connect"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	obsA, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("observer A connect: %v", err)}
	}
	defer obsA.Close()

	obsB, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("observer B connect: %v", err)}
	}
	defer obsB.Close()

	if err := obsA.AwaitPong(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("observer A pong: %v", err)}
	}
	if err := obsB.AwaitPong(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("observer B pong: %v", err)}
	}

	return scenarioResult{name, resultPass, "2 observers, ping round trips ok"}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Session Lifecycle, Session Listing, Supersede
// ---------------------------------------------------------------------------

func scenario345LifecycleListSupersede(ctx context.Context, apiBase, wsURL, identifier string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Session Lifecycle"
	s4Name := "Scenario 4: Session Listing"
	s5Name := "Scenario 5: Supersede"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: lifecycle failed"},
			scenarioResult{s5Name, resultFail, "skipped: lifecycle failed"}
	}

	// --- Connect an observer before creating the session so no event is
	// missed. ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	obs, err := client.New(connCtx, wsURL)
	if err != nil {
		return failAll(fmt.Sprintf("observer connect: %v", err))
	}
	defer obs.Close()

	if err := obs.AwaitPong(connCtx); err != nil {
		return failAll(fmt.Sprintf("observer pong: %v", err))
	}

	// --- Scenario 3: Lifecycle ---
	initializingCh := make(chan struct{}, 1)
	connectedCh := make(chan struct{}, 1)
	pairingCh := make(chan string, 1) // carries the pairing code
	readyCh := make(chan string, 1)   // carries the readiness message

	obs.On(client.TypeConnectionStatus, func(ev client.Event) {
		if ev.Identifier != identifier {
			return
		}
		switch ev.Status {
		case client.StatusInitializing:
			select {
			case initializingCh <- struct{}{}:
			default:
			}
		case client.StatusConnected:
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	obs.On(client.TypePairingCode, func(ev client.Event) {
		if ev.Identifier != identifier || ev.Code == "" {
			return
		}
		select {
		case pairingCh <- ev.Code:
		default:
		}
	})

	obs.On(client.TypeSessionReady, func(ev client.Event) {
		if ev.Identifier != identifier {
			return
		}
		select {
		case readyCh <- ev.Message:
		default:
		}
	})

	createStart := time.Now()

	status, resp, err := postCreateSession(ctx, apiBase, identifier)
	if err != nil {
		return failAll(fmt.Sprintf("create: %v", err))
	}
	if status != http.StatusAccepted {
		return failAll(fmt.Sprintf("create: status %d", status))
	}
	if !resp.Accepted || resp.Identifier != identifier {
		return failAll(fmt.Sprintf("create: accepted=%t identifier=%q", resp.Accepted, resp.Identifier))
	}

	// Lifecycle events arrive asynchronously. Wait for each milestone with a
	// shared 30 second budget; connected can land before the pairing code, so
	// order between those two is not asserted.
	lifecycleCtx, lifecycleCancel := context.WithTimeout(ctx, 30*time.Second)
	defer lifecycleCancel()

	select {
	case <-initializingCh:
	case <-lifecycleCtx.Done():
		return failAll("timeout waiting for initializing status")
	}

	select {
	case <-connectedCh:
	case <-lifecycleCtx.Done():
		return failAll("timeout waiting for connected status")
	}

	var pairingCode string
	select {
	case pairingCode = <-pairingCh:
	case <-lifecycleCtx.Done():
		return failAll("timeout waiting for pairing code")
	}

	select {
	case <-readyCh:
	case <-lifecycleCtx.Done():
		return failAll("timeout waiting for session ready")
	}

	lifecycleDuration := time.Since(createStart)
	s3Result := scenarioResult{s3Name, resultPass,
		fmt.Sprintf("code=%s, ready in %s", pairingCode, lifecycleDuration.Round(time.Millisecond))}

	// --- Scenario 4: Listing ---
	infos, err := getSessions(ctx, apiBase)
	if err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("list: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: listing failed"}
	}

	found := false
	for _, info := range infos {
		if info.Identifier == identifier {
			found = true
			if !info.Connected {
				return s3Result,
					scenarioResult{s4Name, resultFail, "session listed but not connected"},
					scenarioResult{s5Name, resultFail, "skipped: listing failed"}
			}
		}
	}
	if !found {
		return s3Result,
			scenarioResult{s4Name, resultFail, "session missing from /sessions"},
			scenarioResult{s5Name, resultFail, "skipped: listing failed"}
	}

	s4Result := scenarioResult{s4Name, resultPass, fmt.Sprintf("%d live sessions", len(infos))}

	// --- Scenario 5: Supersede ---
	// A second create for the same identifier must be accepted and must
	// replace the first session rather than add a second entry.
	status, resp, err = postCreateSession(ctx, apiBase, identifier)
	if err != nil {
		return s3Result, s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("re-create: %v", err)}
	}
	if status == http.StatusTooManyRequests {
		return s3Result, s4Result, scenarioResult{s5Name, resultInfo, "re-create rate limited; supersede not exercised"}
	}
	if status != http.StatusAccepted || !resp.Accepted {
		return s3Result, s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("re-create: status %d", status)}
	}

	// Give eviction a moment to settle before counting entries.
	select {
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return s3Result, s4Result, scenarioResult{s5Name, resultFail, "interrupted"}
	}

	infos, err = getSessions(ctx, apiBase)
	if err != nil {
		return s3Result, s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("list after re-create: %v", err)}
	}

	count := 0
	for _, info := range infos {
		if info.Identifier == identifier {
			count++
		}
	}
	if count != 1 {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("%d entries for identifier after re-create", count)}
	}

	return s3Result, s4Result, scenarioResult{s5Name, resultPass, "old session replaced, single entry"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, apiBase, identifier string) scenarioResult {
	name := "Scenario 6: Rate Limiting"

	// The creation limit is per identifier, so hammering a fresh identifier
	// should trip it without disturbing the other scenarios. Without a
	// configured limiter store every create is accepted, hence non-fatal.
	var accepted, limited int
	for i := 0; i < 5; i++ {
		status, _, err := postCreateSession(ctx, apiBase, identifier)
		if err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("create %d failed: %v", i+1, err)}
		}
		switch status {
		case http.StatusTooManyRequests:
			limited++
		case http.StatusAccepted:
			accepted++
		}
	}

	if limited > 0 {
		return scenarioResult{name, resultInfo,
			fmt.Sprintf("429 after %d accepted creates", accepted)}
	}
	return scenarioResult{name, resultInfo,
		fmt.Sprintf("no 429 in %d creates (rate limiting may be disabled)", accepted)}
}

// ---------------------------------------------------------------------------
// Scenario 7: Retirement (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7Retirement(ctx context.Context, apiBase, identifier string) scenarioResult {
	name := "Scenario 7: Retirement"

	// After delivery a session is retired on a timer, so the identifier should
	// drop out of /sessions on its own. The delay is deployment-configurable,
	// hence non-fatal.
	deadline := time.Now().Add(25 * time.Second)
	for time.Now().Before(deadline) {
		infos, err := getSessions(ctx, apiBase)
		if err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("list: %v", err)}
		}

		live := false
		for _, info := range infos {
			if info.Identifier == identifier {
				live = true
				break
			}
		}
		if !live {
			return scenarioResult{name, resultInfo, "session retired"}
		}

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return scenarioResult{name, resultInfo, "interrupted"}
		}
	}

	return scenarioResult{name, resultInfo, "session still live after 25s (retire delay may be longer)"}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// createResponse mirrors the POST /sessions response body.
type createResponse struct {
	Accepted   bool   `json:"accepted"`
	Identifier string `json:"identifier"`
	Error      string `json:"error"`
}

// postCreateSession posts a session creation request and returns the HTTP
// status plus the decoded body.
func postCreateSession(ctx context.Context, apiBase, identifier string) (int, createResponse, error) {
	body, err := json.Marshal(map[string]string{"identifier": identifier})
	if err != nil {
		return 0, createResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/sessions", bytes.NewReader(body))
	if err != nil {
		return 0, createResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, createResponse{}, fmt.Errorf("POST /sessions: %w", err)
	}
	defer resp.Body.Close()

	var out createResponse
	// 429 bodies have a different shape; ignore decode errors and rely on the
	// status code.
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, nil
}

// getSessions fetches and decodes the live session list.
func getSessions(ctx context.Context, apiBase string) ([]sessionInfo, error) {
	body, err := httpGetBody(ctx, apiBase+"/sessions")
	if err != nil {
		return nil, err
	}
	var infos []sessionInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("parse /sessions: %w", err)
	}
	return infos, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
