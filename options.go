package fabric

import (
	"log/slog"
	"time"
)

type Option func(*nodeConfig)

type nodeConfig struct {
	nodeID string

	callTimeout   time.Duration // default deadline for Call; 0 = wait forever
	drainTimeout  time.Duration // max time Stop waits for in-flight work
	sweepInterval time.Duration // call-table expiry sweep period
	pingInterval  time.Duration // keepalive probe period; 0 disables

	// Reconnect policy for peers this node dialed. Attempt i (0-based)
	// waits i*i/2 seconds before redialing, up to reconnectAttempts.
	reconnectAttempts int
	autoReconnect     bool

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	// Log level for the structured JSON logger. Only applied when set
	// explicitly; otherwise the process-wide logger is left alone.
	logLevel    slog.Level
	logLevelSet bool
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		callTimeout:       5 * time.Second,
		drainTimeout:      5 * time.Second,
		sweepInterval:     1 * time.Second,
		pingInterval:      10 * time.Second,
		reconnectAttempts: 10,
		autoReconnect:     true,
	}
}

// WithNodeID sets the node's identity. Defaults to a random UUID.
// Identities must be unique across the fabric; they also decide
// simultaneous-connect tie-breaking.
func WithNodeID(id string) Option {
	return func(c *nodeConfig) {
		c.nodeID = id
	}
}

// WithCallTimeout sets the default deadline applied to Call when the
// caller doesn't supply one. Zero means wait forever.
func WithCallTimeout(d time.Duration) Option {
	return func(c *nodeConfig) {
		c.callTimeout = d
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *nodeConfig) {
		c.drainTimeout = d
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *nodeConfig) {
		c.sweepInterval = d
	}
}

// WithPingInterval sets how often idle peers are probed with Ping.
// Zero disables keepalive probes (the transport read deadline then
// reaps idle connections).
func WithPingInterval(d time.Duration) Option {
	return func(c *nodeConfig) {
		c.pingInterval = d
	}
}

// WithReconnectAttempts bounds the redial schedule after a dialed peer
// drops. Attempt i waits i*i/2 seconds.
func WithReconnectAttempts(n int) Option {
	return func(c *nodeConfig) {
		c.reconnectAttempts = n
	}
}

// WithAutoReconnect controls whether the node redials peers it
// originally connected to when their connection drops. Default true.
func WithAutoReconnect(enabled bool) Option {
	return func(c *nodeConfig) {
		c.autoReconnect = enabled
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *nodeConfig) {
		c.adminAddr = addr
	}
}

// WithLogLevel installs the structured JSON logger at the given level
// when the node is created. Without it the process logger is untouched.
func WithLogLevel(level slog.Level) Option {
	return func(c *nodeConfig) {
		c.logLevel = level
		c.logLevelSet = true
	}
}
