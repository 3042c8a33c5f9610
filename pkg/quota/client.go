// Package quota is the client tier of the LedgerLine rate limiter.
//
// A Client checks quotas against the remote limiter service and degrades to
// a local approximate limiter whenever the remote is unreachable, answers
// with a server error, or a persisted force-fallback flag is set. Every
// outcome is reported to a Monitor which classifies failures, schedules
// recovery probes, and produces health reports. A quota check never fails a
// user action: infrastructure problems end in a permissive local decision,
// and only a genuine over-quota condition is surfaced.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/state"
	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// State is the client's limiter mode.
type State string

const (
	// StateRemoteActive means checks go to the remote limiter.
	StateRemoteActive State = "REMOTE_ACTIVE"

	// StateLocalFallback means the local approximate limiter is in use.
	StateLocalFallback State = "LOCAL_FALLBACK"

	// StateRecovering is transient while a recovery probe is in flight.
	StateRecovering State = "RECOVERING"
)

// Status is the caller's quota across all configured actions, as returned by
// the remote limiter's info endpoint or computed locally in fallback mode.
type Status struct {
	Identifier string                        `json:"identifier"`
	Actions    map[string]ratelimit.Decision `json:"actions"`
}

// checkRequest is the body of POST /rate-limit/check.
type checkRequest struct {
	Action     string `json:"action"`
	Identifier string `json:"identifier,omitempty"`
}

// rejectEnvelope is the remote limiter's 429 payload.
type rejectEnvelope struct {
	Success       bool               `json:"success"`
	Error         string             `json:"error"`
	RateLimitInfo ratelimit.Decision `json:"rateLimitInfo"`
}

// statusEntry is a cached Status with its fetch time. Entries are replaced,
// never mutated, so readers need no locking beyond the map.
type statusEntry struct {
	status    Status
	fetchedAt time.Time
}

// Client talks to the remote limiter with local fallback and health
// monitoring. Construct with NewClient and release with Close.
type Client struct {
	serverAddr string
	apiKey     string
	identity   string
	timeout    time.Duration
	statusTTL  time.Duration
	statePath  string
	httpClient *http.Client
	logger     *slog.Logger

	actions     map[ratelimit.Action]ratelimit.ActionConfig
	monitorOpts []MonitorOption

	stateStore *state.FileStateStore
	monitor    *Monitor
	fallback   *FallbackLimiter

	statusCache sync.Map // identifier -> *statusEntry

	stateMu sync.Mutex
	state   State

	now func() time.Time
}

// NewClient creates a quota client.
// It reads configuration from LEDGERGATE_* environment variables by default;
// options override the defaults. If the persisted force-fallback flag is set,
// or no server address is configured, the client starts in local fallback
// mode and never contacts the remote until a recovery probe succeeds.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		serverAddr: os.Getenv("LEDGERGATE_SERVER_ADDR"),
		apiKey:     os.Getenv("LEDGERGATE_API_KEY"),
		identity:   "local",
		timeout:    parseDurationEnv("LEDGERGATE_TIMEOUT", 5*time.Second),
		statusTTL:  5 * time.Second,
		statePath:  envOrDefault("LEDGERGATE_STATE_PATH", "quota-state.json"),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The remote timeout stays within [1s, 5s]: short enough that a hung
	// limiter never stalls a user action, long enough to ride out jitter.
	if c.timeout < time.Second {
		c.timeout = time.Second
	}
	if c.timeout > 5*time.Second {
		c.timeout = 5 * time.Second
	}
	if c.actions == nil {
		c.actions = ratelimit.DefaultActions()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.stateStore == nil {
		c.stateStore = state.NewFileStateStore(c.statePath, c.logger)
	}

	monitor, err := NewMonitor(c.stateStore, c.serverAddr, c.logger, c.monitorOpts...)
	if err != nil {
		return nil, err
	}
	monitor.onProbeStart = c.probeStarted
	monitor.onProbeResult = c.probeFinished
	c.monitor = monitor

	fallback, err := NewFallbackLimiter(c.stateStore, c.actions, c.logger, ratelimit.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	c.fallback = fallback

	if c.serverAddr == "" || monitor.ForceFallback() {
		c.state = StateLocalFallback
		c.logger.Info("quota client starting in local fallback mode",
			"force_fallback", monitor.ForceFallback())
	} else {
		c.state = StateRemoteActive
	}

	monitor.Start()
	return c, nil
}

// State returns the client's current limiter mode.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Monitor exposes the client's health monitor.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// CheckActionQuota records one request for the given action under the
// client's configured identity and returns the decision. Remote failures
// degrade to the local fallback limiter; the only returned errors are
// caller mistakes such as an unknown action.
func (c *Client) CheckActionQuota(ctx context.Context, action ratelimit.Action) (ratelimit.Decision, error) {
	return c.check(ctx, action, c.identity)
}

// CheckActionQuotaFor is CheckActionQuota with an explicit identifier.
func (c *Client) CheckActionQuotaFor(ctx context.Context, action ratelimit.Action, identifier string) (ratelimit.Decision, error) {
	return c.check(ctx, action, identifier)
}

func (c *Client) check(ctx context.Context, action ratelimit.Action, identifier string) (ratelimit.Decision, error) {
	if c.State() == StateLocalFallback {
		return c.localCheck(ctx, action, identifier, true)
	}

	// A fresh cached status that already shows the action exhausted saves a
	// remote round trip; the reset timestamp tells us the cache entry is
	// still meaningful.
	if d, ok := c.cachedBlocked(identifier, action); ok {
		c.monitor.RecordOperation(string(action), identifier, false, 0, nil)
		return d, nil
	}

	start := c.now()
	decision, err := c.doCheck(ctx, action, identifier)
	latency := c.now().Sub(start)

	if err != nil {
		c.monitor.RecordOperation(string(action), identifier, false, latency, err)
		if errors.Is(err, ErrRemoteUnavailable) {
			c.logger.Warn("remote limiter failed, using local fallback",
				"action", action, "error", err)
			c.enterFallback()
			return c.localCheck(ctx, action, identifier, false)
		}
		return ratelimit.Decision{}, err
	}

	c.monitor.RecordOperation(string(action), identifier, decision.Allowed, latency, nil)
	if !decision.Allowed {
		c.cacheDecision(identifier, action, decision)
	}
	return decision, nil
}

// localCheck runs the fallback limiter. record is false when the triggering
// remote failure was already reported, so one user action is not counted
// twice.
func (c *Client) localCheck(ctx context.Context, action ratelimit.Action, identifier string, record bool) (ratelimit.Decision, error) {
	decision, err := c.fallback.Check(ctx, action, identifier)
	if err != nil {
		return decision, err
	}
	if record {
		c.monitor.RecordOperation(string(action), identifier, decision.Allowed, 0, nil)
	}
	return decision, nil
}

// doCheck performs the remote check call.
func (c *Client) doCheck(ctx context.Context, action ratelimit.Action, identifier string) (ratelimit.Decision, error) {
	body, err := json.Marshal(checkRequest{Action: string(action), Identifier: identifier})
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("marshal check request: %w", err)
	}

	resp, respBody, err := c.doRequest(ctx, http.MethodPost, "/rate-limit/check", bytes.NewReader(body))
	if err != nil {
		return ratelimit.Decision{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var decision ratelimit.Decision
		if err := json.Unmarshal(respBody, &decision); err != nil {
			return ratelimit.Decision{}, fmt.Errorf("unmarshal check response: %w", err)
		}
		return decision, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		// The check endpoint itself is rate limited; a 429 here means the
		// caller exhausted the global budget. Still a decision, not an error.
		var env rejectEnvelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			return ratelimit.Decision{}, fmt.Errorf("unmarshal reject response: %w", err)
		}
		return env.RateLimitInfo, nil

	case resp.StatusCode >= 500:
		return ratelimit.Decision{}, &RemoteUnavailableError{
			Cause: fmt.Errorf("service unavailable: status %d", resp.StatusCode),
		}

	default:
		return ratelimit.Decision{}, &QuotaError{
			Code: fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Err:  fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
}

// GetQuotaStatus returns the current quota across all actions for the
// client's identity, served from a short-TTL cache to bound request volume
// against the remote limiter. Status reads never consume quota.
func (c *Client) GetQuotaStatus(ctx context.Context) (Status, error) {
	return c.getStatus(ctx, c.identity)
}

// GetQuotaStatusFor is GetQuotaStatus with an explicit identifier.
func (c *Client) GetQuotaStatusFor(ctx context.Context, identifier string) (Status, error) {
	return c.getStatus(ctx, identifier)
}

func (c *Client) getStatus(ctx context.Context, identifier string) (Status, error) {
	if entry, ok := c.loadCachedStatus(identifier); ok {
		return entry.status, nil
	}

	if c.State() == StateLocalFallback {
		return c.localStatus(ctx, identifier)
	}

	resp, respBody, err := c.doRequest(ctx, http.MethodGet, "/rate-limit/info", nil)
	if err != nil || resp.StatusCode >= 500 {
		if err == nil {
			err = &RemoteUnavailableError{Cause: fmt.Errorf("service unavailable: status %d", resp.StatusCode)}
		}
		c.monitor.RecordOperation(string(ratelimit.ActionGlobal), identifier, false, 0, err)
		c.enterFallback()
		return c.localStatus(ctx, identifier)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, &QuotaError{
			Code: fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Err:  fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var status Status
	if err := json.Unmarshal(respBody, &status); err != nil {
		return Status{}, fmt.Errorf("unmarshal status response: %w", err)
	}
	c.storeCachedStatus(identifier, status)
	return status, nil
}

// localStatus builds a Status by peeking the fallback limiter. Peeks never
// record a request, so repeated status reads return identical decisions.
func (c *Client) localStatus(ctx context.Context, identifier string) (Status, error) {
	status := Status{
		Identifier: identifier,
		Actions:    make(map[string]ratelimit.Decision),
	}
	for action := range c.fallback.Actions() {
		decision, err := c.fallback.Peek(ctx, action, identifier)
		if err != nil {
			continue
		}
		status.Actions[string(action)] = decision
	}
	c.storeCachedStatus(identifier, status)
	return status, nil
}

// GenerateHealthReport returns the monitor's aggregate health view.
func (c *Client) GenerateHealthReport() HealthReport {
	return c.monitor.GenerateHealthReport()
}

// Close stops the monitor and persists a final state snapshot.
func (c *Client) Close() error {
	c.monitor.Stop()
	return nil
}

// doRequest performs one bounded HTTP request against the remote limiter.
// Network failures and timeouts come back as *RemoteUnavailableError so
// callers can distinguish them from application responses.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimRight(c.serverAddr, "/") + path
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &RemoteUnavailableError{Cause: wrapNetworkError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &RemoteUnavailableError{Cause: wrapNetworkError(err)}
	}
	return resp, respBody, nil
}

// wrapNetworkError labels transport failures so severity classification sees
// a timeout as a timeout and everything else as a network error.
func wrapNetworkError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("network timeout: %w", err)
	}
	return fmt.Errorf("network error: %w", err)
}

// enterFallback switches to the local limiter. Recovery probes scheduled by
// the monitor bring the client back once the remote is reachable again.
func (c *Client) enterFallback() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateLocalFallback {
		c.state = StateLocalFallback
	}
}

// probeStarted marks the transient RECOVERING state while a probe runs.
func (c *Client) probeStarted() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateLocalFallback {
		c.state = StateRecovering
	}
}

// probeFinished finalizes the probe outcome.
func (c *Client) probeFinished(ok bool) {
	c.stateMu.Lock()
	if ok {
		c.state = StateRemoteActive
	} else if c.state == StateRecovering {
		c.state = StateLocalFallback
	}
	c.stateMu.Unlock()

	if ok {
		// Cached statuses predate the recovery; drop them.
		c.statusCache.Range(func(k, _ any) bool {
			c.statusCache.Delete(k)
			return true
		})
		c.logger.Info("quota client back on remote limiter")
	}
}

// cachedBlocked reports whether a fresh cached status already shows the
// action exhausted with its reset still in the future.
func (c *Client) cachedBlocked(identifier string, action ratelimit.Action) (ratelimit.Decision, bool) {
	entry, ok := c.loadCachedStatus(identifier)
	if !ok {
		return ratelimit.Decision{}, false
	}
	d, ok := entry.status.Actions[string(action)]
	if !ok || d.Allowed || d.ResetAt <= c.now().UnixMilli() {
		return ratelimit.Decision{}, false
	}
	return d, true
}

// cacheDecision records a blocked decision into the cached status so
// follow-up checks inside the TTL short-circuit locally.
func (c *Client) cacheDecision(identifier string, action ratelimit.Action, d ratelimit.Decision) {
	actions := make(map[string]ratelimit.Decision)
	if entry, ok := c.loadCachedStatus(identifier); ok {
		for k, v := range entry.status.Actions {
			actions[k] = v
		}
	}
	actions[string(action)] = d
	c.storeCachedStatus(identifier, Status{Identifier: identifier, Actions: actions})
}

func (c *Client) loadCachedStatus(identifier string) (*statusEntry, bool) {
	val, ok := c.statusCache.Load(identifier)
	if !ok {
		return nil, false
	}
	entry := val.(*statusEntry)
	if c.now().Sub(entry.fetchedAt) > c.statusTTL {
		c.statusCache.Delete(identifier)
		return nil, false
	}
	return entry, true
}

func (c *Client) storeCachedStatus(identifier string, status Status) {
	c.statusCache.Store(identifier, &statusEntry{
		status:    status,
		fetchedAt: c.now(),
	})
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
