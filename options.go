package alljoyn

import (
	"log/slog"
	"runtime"
	"time"
)

type Option func(*busConfig)

type busConfig struct {
	connectSpec  string
	replyTimeout time.Duration
	drainTimeout time.Duration

	// Throughput tuning.
	dispatchWorkers int // dispatch goroutines per endpoint (default GOMAXPROCS)
	queueDepth      int // inbound message queue buffer (default 256)

	// Router to attach to. Defaults to the process-wide bundled router.
	router *LocalRouter

	// Debug server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	debugAddr string

	// Log level for the structured JSON logger. Default: slog.LevelInfo.
	logLevel slog.Level
}

func defaultBusConfig() busConfig {
	return busConfig{
		connectSpec:     "null:",
		replyTimeout:    DefaultReplyTimeout,
		drainTimeout:    5 * time.Second,
		dispatchWorkers: runtime.GOMAXPROCS(0),
		queueDepth:      256,
	}
}

// WithConnectSpec sets the default transport spec used by Connect when the
// caller passes an empty spec.
func WithConnectSpec(spec string) Option {
	return func(c *busConfig) {
		c.connectSpec = spec
	}
}

// WithReplyTimeout sets the default timeout applied to method calls that
// pass zero.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		c.replyTimeout = d
	}
}

// WithDrainTimeout bounds how long Stop waits for queued messages to be
// dispatched before dropping them.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		c.drainTimeout = d
	}
}

// WithDispatchWorkers sets the number of goroutines dispatching inbound
// messages. More workers allow parallel handler execution at the cost of
// relaxed cross-sender ordering. Default: runtime.GOMAXPROCS(0).
func WithDispatchWorkers(n int) Option {
	return func(c *busConfig) {
		c.dispatchWorkers = n
	}
}

// WithQueueDepth sets the inbound message queue buffer. Default: 256.
func WithQueueDepth(n int) Option {
	return func(c *busConfig) {
		c.queueDepth = n
	}
}

// WithRouter attaches the bus to a specific in-process router instead of
// the shared bundled one. Tests use this to get isolated buses.
func WithRouter(r *LocalRouter) Option {
	return func(c *busConfig) {
		c.router = r
	}
}

// WithDebugAddr enables the debug HTTP server on addr.
func WithDebugAddr(addr string) Option {
	return func(c *busConfig) {
		c.debugAddr = addr
	}
}

// WithLogLevel sets the level used when the attachment initializes the
// global logger.
func WithLogLevel(level slog.Level) Option {
	return func(c *busConfig) {
		c.logLevel = level
	}
}
