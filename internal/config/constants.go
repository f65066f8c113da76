package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Validation engine timings
const (
	// AckWindow is the informational countdown shown while a remote
	// command waits for the technician to confirm its physical effect.
	AckWindow = 180 * time.Second

	// FreshnessWindow is the trailing span within which a device-reported
	// event timestamp is considered current enough to ask the technician
	// about.
	FreshnessWindow = 2 * time.Hour

	// SentinelDelay is the artificial latency of the all-zero demo ESN.
	SentinelDelay = 1 * time.Second
)

// Default rate limiting for command dispatch
const DefaultRateLimitPerMin = 60
