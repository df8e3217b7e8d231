package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the agent's control server. An empty
// MetricsAddr disables the metrics listener.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz reports draining before shutdown.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	// WriteTimeout must cover a whole ceremony, since sign, refresh and
	// recovery requests block until it commits or aborts.
	WriteTimeout time.Duration
}
