package quota

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the remote limiter address.
// If not set, defaults to the LEDGERGATE_SERVER_ADDR environment variable.
// An empty address puts the client in local fallback mode permanently.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the bearer token sent to the remote limiter.
// If not set, defaults to the LEDGERGATE_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithIdentity sets the rate limit identifier used when no explicit
// identifier is passed. Defaults to "local".
func WithIdentity(identity string) Option {
	return func(c *Client) {
		c.identity = identity
	}
}

// WithTimeout bounds each remote call. A hung remote limiter must never
// stall a user action, so the timeout is mandatory; defaults to 5 seconds
// and is clamped to the 1-5 second range.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithStatusCacheTTL sets how long aggregate status reads are cached.
// Defaults to 5 seconds.
func WithStatusCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.statusTTL = d
	}
}

// WithHTTPClient sets a custom http.Client for remote calls.
// Useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger for the client, its monitor, and its fallback
// limiter.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStatePath sets where the quota state file lives.
// If not set, defaults to the LEDGERGATE_STATE_PATH environment variable or
// "quota-state.json".
func WithStatePath(path string) Option {
	return func(c *Client) {
		c.statePath = path
	}
}

// WithActions overrides the action catalog used by the local fallback
// limiter. Defaults to the standard catalog.
func WithActions(actions map[ratelimit.Action]ratelimit.ActionConfig) Option {
	return func(c *Client) {
		c.actions = actions
	}
}

// WithMonitorOptions passes options through to the client's Monitor.
func WithMonitorOptions(opts ...MonitorOption) Option {
	return func(c *Client) {
		c.monitorOpts = append(c.monitorOpts, opts...)
	}
}

// WithClock overrides the client's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}
